package operations

import "device-operation-management/api/internal/models"

func storeFor(s Stores, t models.OperationType) TypedStore {
	switch t {
	case models.OperationTypeCommand:
		return s.Command()
	case models.OperationTypeConfig:
		return s.Config()
	case models.OperationTypeProfile:
		return s.Profile()
	case models.OperationTypePolicy:
		return s.Policy()
	default:
		return s.Generic()
	}
}

func typedStores(s Stores) []TypedStore {
	return []TypedStore{s.Command(), s.Config(), s.Profile(), s.Policy(), s.Generic()}
}

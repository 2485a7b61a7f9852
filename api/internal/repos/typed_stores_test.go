package repos

import (
	"testing"

	"device-operation-management/api/internal/models"
)

func TestPayloadTablesRejectForeignPayloads(t *testing.T) {
	tables := []payloadTable{commandTable, configTable, profileTable, policyTable}
	for _, table := range tables {
		for _, other := range tables {
			if other.opType == table.opType {
				continue
			}
			var foreign models.Payload
			switch other.opType {
			case models.OperationTypeCommand:
				foreign = models.CommandPayload{}
			case models.OperationTypeConfig:
				foreign = models.ConfigPayload{}
			case models.OperationTypeProfile:
				foreign = models.ProfilePayload{}
			case models.OperationTypePolicy:
				foreign = models.PolicyPayload{}
			}
			if _, err := table.encode(foreign); err == nil {
				t.Fatalf("%s table accepted %s payload", table.opType, other.opType)
			}
		}
		if _, err := table.encode(nil); err == nil {
			t.Fatalf("%s table accepted nil payload", table.opType)
		}
	}
}

func TestConfigTableDecodesStoredJSON(t *testing.T) {
	value, err := configTable.encode(models.ConfigPayload{Properties: []models.ConfigProperty{{Name: "ssid", Value: "lab", Type: "string"}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := value.([]byte)
	payload, err := configTable.decode(&raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cfg := payload.(models.ConfigPayload)
	if len(cfg.Properties) != 1 || cfg.Properties[0].Name != "ssid" || cfg.Properties[0].Type != "string" {
		t.Fatalf("unexpected properties %#v", cfg.Properties)
	}
}

func TestProfileTableStoresEmptyDataAsEmptyBytes(t *testing.T) {
	value, err := profileTable.encode(models.ProfilePayload{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b, ok := value.([]byte); !ok || b == nil {
		t.Fatalf("expected non-nil empty bytes for NOT NULL column, got %#v", value)
	}
}

func TestPageArgs(t *testing.T) {
	limit, offset := pageArgs(nil)
	if limit != nil || offset != 0 {
		t.Fatalf("nil page should be unbounded, got %v %d", limit, offset)
	}
	limit, offset = pageArgs(&models.PaginationRequest{Offset: 20, Limit: 10})
	if limit != 10 || offset != 20 {
		t.Fatalf("unexpected page args %v %d", limit, offset)
	}
}

package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/proofvault/internal/model"
)

// Document is a full policy file: one authorized schema per role.
type Document struct {
	Roles map[model.Role]AuthorizedSchema `yaml:"roles" json:"roles"`
}

// EmptyHash is the hash reported when no policy bytes were loaded.
var EmptyHash = hashBytes(nil)

const databasesSchema = `{
  "type": "object",
  "required": ["databases"],
  "additionalProperties": false,
  "properties": {
    "databases": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "tables", "scope", "clearance"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "tables": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name"],
              "additionalProperties": false,
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "columns": {"type": "array", "items": {"type": "string"}}
              }
            }
          },
          "scope": {
            "type": "object",
            "required": ["org_id", "allowed_account_ids"],
            "additionalProperties": false,
            "properties": {
              "org_id": {"type": "string", "minLength": 1},
              "allowed_account_ids": {
                "type": "array",
                "items": {"type": "string", "pattern": "^[A-Za-z0-9_-]+$"}
              }
            }
          },
          "clearance": {"enum": %s}
        }
      }
    }
  }
}`

var (
	roleSchema     = jsonschema.MustCompileString("proofvault-role.json", fmt.Sprintf(databasesSchema, clearanceEnum()))
	documentSchema = jsonschema.MustCompileString("proofvault-policy.json", fmt.Sprintf(`{
  "type": "object",
  "required": ["roles"],
  "additionalProperties": false,
  "properties": {
    "roles": {
      "type": "object",
      "propertyNames": {"enum": ["user", "admin"]},
      "additionalProperties": %s
    }
  }
}`, fmt.Sprintf(databasesSchema, clearanceEnum())))
)

func clearanceEnum() string {
	names := make([]string, len(model.Clearances))
	for i, c := range model.Clearances {
		names[i] = fmt.Sprintf("%q", string(c))
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// Parse decodes and validates a YAML (or JSON) policy document.
func Parse(data []byte) (*Document, error) {
	if err := validate(data, documentSchema); err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: decode document: %w", err)
	}
	if doc.Roles == nil {
		doc.Roles = map[model.Role]AuthorizedSchema{}
	}
	return &doc, nil
}

// ParseSchema decodes and validates a single role's authorized schema.
func ParseSchema(data []byte) (AuthorizedSchema, error) {
	if err := validate(data, roleSchema); err != nil {
		return AuthorizedSchema{}, err
	}
	var s AuthorizedSchema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return AuthorizedSchema{}, fmt.Errorf("policy: decode schema: %w", err)
	}
	return s, nil
}

// LoadFile reads a policy document and returns it with the SHA-256 of the
// raw bytes. A missing file yields an empty document: nothing is authorized.
func LoadFile(path string) (*Document, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Roles: map[model.Role]AuthorizedSchema{}}, EmptyHash, nil
		}
		return nil, "", fmt.Errorf("policy: read %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, "", err
	}
	return doc, hashBytes(data), nil
}

// validate converts YAML to the generic JSON value model the schema
// validator expects, then checks it.
func validate(data []byte, schema *jsonschema.Schema) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("policy: parse: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("policy: document is empty")
	}
	js, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("policy: document is not JSON-compatible: %w", err)
	}
	var generic any
	if err := json.Unmarshal(js, &generic); err != nil {
		return fmt.Errorf("policy: normalize: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("policy: invalid document: %w", err)
	}
	return nil
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

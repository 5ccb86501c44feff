package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Contract describes a tool's interface: a name, a version, and a JSON
// schema for its input. Contracts are optional; a tool without one
// accepts any payload and the gateway never inspects it.
type Contract struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Input   json.RawMessage `json:"input"`
}

// Contracts holds the per-tool contracts loaded at startup from a
// directory of <tool>.json files. Immutable after load.
type Contracts struct {
	byTool map[string]Contract
}

// LoadContracts reads every .json file in dir. A missing or empty dir
// yields an empty set, not an error; a malformed contract file is an
// error because it would silently disable validation for that tool.
func LoadContracts(dir string) (*Contracts, error) {
	c := &Contracts{byTool: map[string]Contract{}}
	if strings.TrimSpace(dir) == "" {
		return c, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var contract Contract
		if err := json.Unmarshal(data, &contract); err != nil {
			return nil, fmt.Errorf("contract %s: %w", entry.Name(), err)
		}
		name := strings.TrimSpace(contract.Name)
		if name == "" {
			name = strings.TrimSuffix(entry.Name(), ".json")
		}
		c.byTool[name] = contract
	}
	return c, nil
}

// Has reports whether a contract exists for tool.
func (c *Contracts) Has(tool string) bool {
	if c == nil {
		return false
	}
	_, ok := c.byTool[tool]
	return ok
}

// Validate checks payload against the tool's input schema. Tools
// without a contract, or contracts without an input schema, pass
// unconditionally. The returned error carries the first schema
// violation for caller diagnosability.
func (c *Contracts) Validate(tool string, payload json.RawMessage) error {
	if c == nil {
		return nil
	}
	contract, ok := c.byTool[tool]
	if !ok || len(contract.Input) == 0 {
		return nil
	}
	value := payload
	if len(value) == 0 {
		value = json.RawMessage(`{}`)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(contract.Input),
		gojsonschema.NewBytesLoader(value),
	)
	if err != nil {
		return fmt.Errorf("contract %s: %w", tool, err)
	}
	if result.Valid() {
		return nil
	}
	if len(result.Errors()) == 0 {
		return errors.New("contract validation failed")
	}
	return fmt.Errorf("contract validation failed: %s", result.Errors()[0].String())
}

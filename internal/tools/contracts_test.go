package tools

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeContract(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write contract: %v", err)
	}
}

const exampleContract = `{
  "name": "example_tool",
  "version": "1.0.0",
  "input": {
    "type": "object",
    "required": ["message"],
    "properties": {"message": {"type": "string"}}
  }
}`

func TestLoadContractsAndValidate(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "example_tool.json", exampleContract)

	c, err := LoadContracts(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.Has("example_tool") {
		t.Fatal("expected contract for example_tool")
	}
	if err := c.Validate("example_tool", json.RawMessage(`{"message":"hi"}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := c.Validate("example_tool", json.RawMessage(`{"message":42}`)); err == nil {
		t.Fatal("expected type violation")
	}
	if err := c.Validate("example_tool", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected missing required field violation")
	}
}

func TestValidateToolWithoutContract(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "example_tool.json", exampleContract)
	c, err := LoadContracts(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Payloads stay opaque when no contract is present.
	if err := c.Validate("other_tool", json.RawMessage(`"anything at all"`)); err != nil {
		t.Fatalf("tool without contract must pass: %v", err)
	}
}

func TestValidateEmptyPayload(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "relaxed.json", `{"name":"relaxed","input":{"type":"object"}}`)
	c, err := LoadContracts(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c.Validate("relaxed", nil); err != nil {
		t.Fatalf("empty payload should validate as {}: %v", err)
	}
}

func TestLoadContractsMissingDir(t *testing.T) {
	c, err := LoadContracts(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if c.Has("anything") {
		t.Fatal("expected empty contract set")
	}
}

func TestLoadContractsEmptyPath(t *testing.T) {
	c, err := LoadContracts("")
	if err != nil {
		t.Fatalf("empty path should not error: %v", err)
	}
	if err := c.Validate("x", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("empty set must pass everything: %v", err)
	}
}

func TestLoadContractsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "broken.json", "{not json")
	if _, err := LoadContracts(dir); err == nil {
		t.Fatal("expected error for malformed contract file")
	}
}

func TestLoadContractsNameFallsBackToFilename(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "unnamed.json", `{"input":{"type":"object"}}`)
	c, err := LoadContracts(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.Has("unnamed") {
		t.Fatal("expected filename-derived contract name")
	}
}

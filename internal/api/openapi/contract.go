// Package openapi embeds the HTTP contract of the ledger API.
package openapi

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var contract []byte

var load = sync.OnceValues(func() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(contract)
	if err != nil {
		return nil, fmt.Errorf("parse openapi contract: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validate openapi contract: %w", err)
	}
	return doc, nil
})

// Load returns the parsed and validated contract. The document is shared;
// callers must not modify it.
func Load() (*openapi3.T, error) {
	return load()
}

// Raw returns the contract as YAML.
func Raw() []byte {
	return contract
}

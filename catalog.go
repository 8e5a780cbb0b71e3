package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"gemfall/server/internal/grid"
)

// SymbolInfo describes one symbol clients may render.
type SymbolInfo struct {
	Symbol grid.Symbol `json:"symbol"`
	Name   string      `json:"name"`
	Payout int64       `json:"basePayout"`
}

// CatalogDocument is the client-facing description of the game: board shape,
// symbol set and the timing tolerances acknowledgments are audited against.
type CatalogDocument struct {
	Game       GameConfig   `json:"game"`
	Symbols    []SymbolInfo `json:"symbols"`
	BaseMs     int64        `json:"toleranceBaseMs"`
	PerRowMs   int64        `json:"tolerancePerRowMs"`
	GraceMs    int64        `json:"toleranceGraceMs"`
	HashScheme string       `json:"hashScheme"`
}

// Catalog bundles the document with its reflected JSON schema and a content
// hash. Clients pin the hash at session start; a mismatch after a deploy
// tells them to refetch before acknowledging steps.
type Catalog struct {
	doc    CatalogDocument
	schema *jsonschema.Schema
	hash   string
}

var defaultSymbols = []SymbolInfo{
	{Symbol: 1, Name: "amber", Payout: 5},
	{Symbol: 2, Name: "topaz", Payout: 8},
	{Symbol: 3, Name: "jade", Payout: 10},
	{Symbol: 4, Name: "azure", Payout: 15},
	{Symbol: 5, Name: "amethyst", Payout: 25},
	{Symbol: 6, Name: "garnet", Payout: 40},
	{Symbol: 7, Name: "opal", Payout: 100},
	{Symbol: 8, Name: "diamond", Payout: 250},
}

// NewCatalog builds the catalog for a game configuration.
func NewCatalog(game GameConfig) (*Catalog, error) {
	doc := CatalogDocument{
		Game:       game,
		Symbols:    defaultSymbols,
		BaseMs:     250,
		PerRowMs:   40,
		GraceMs:    2000,
		HashScheme: "sha256/gemfall.v1",
	}

	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(CatalogDocument{})
	if schema == nil {
		return nil, fmt.Errorf("failed to reflect catalog schema")
	}
	schema.Title = "Gemfall Game Catalog"
	schema.Description = "Board shape, symbol set and audit tolerances served to sync clients."

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal catalog: %w", err)
	}
	sum := sha256.Sum256(data)

	return &Catalog{
		doc:    doc,
		schema: schema,
		hash:   hex.EncodeToString(sum[:]),
	}, nil
}

// Document returns the catalog payload.
func (c *Catalog) Document() CatalogDocument {
	return c.doc
}

// Schema returns the reflected JSON schema for the document.
func (c *Catalog) Schema() *jsonschema.Schema {
	return c.schema
}

// Hash returns the content hash clients pin at session start.
func (c *Catalog) Hash() string {
	return c.hash
}

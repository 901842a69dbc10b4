// Package resolver turns field reads issued by the query layer into
// freshness registry lookups.
package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/dexsync/internal/freshness"
)

var (
	// ErrUnknownField is returned for fields missing from the catalog.
	ErrUnknownField = errors.New("resolver: unknown field")
	// ErrAccountRequired is returned when a per-account field is read
	// without an account.
	ErrAccountRequired = errors.New("resolver: field requires an account")
)

// FieldPath addresses one field of one contract, optionally scoped to an
// account and parameterized by call arguments.
type FieldPath struct {
	Contract common.Address
	Field    string
	Account  common.Address
	Args     []string
}

// FieldDef describes how a catalog field is read and cached.
type FieldDef struct {
	TTL        time.Duration
	Default    any
	Queries    []freshness.QueryID
	PerAccount bool
	// Native fields are not read from a contract, so the contract is left
	// out of their key.
	Native bool
	// NormalizeArgs rewrites call arguments into the form used in the key.
	NormalizeArgs func(args []string) ([]string, error)
	// Fetch builds the fetch function for the given call arguments.
	Fetch func(args []string) (freshness.FetchFunc, error)
}

// Catalog maps field names to their definitions.
type Catalog map[string]FieldDef

// Result is the outcome of a resolve.
type Result struct {
	Key       string    `json:"key"`
	Field     string    `json:"field"`
	Value     any       `json:"value"`
	Stale     bool      `json:"stale"`
	FetchedAt time.Time `json:"fetchedAt,omitzero"`
	Version   uint64    `json:"version"`
}

// Resolver is stateless apart from its immutable catalog; every cached
// value lives in the registry.
type Resolver struct {
	registry *freshness.Registry
	catalog  Catalog
}

// New creates a Resolver serving fields of catalog from registry.
func New(registry *freshness.Registry, catalog Catalog) *Resolver {
	return &Resolver{registry: registry, catalog: catalog}
}

// Fields returns the catalog field names, sorted.
func (r *Resolver) Fields() []string {
	names := make([]string, 0, len(r.catalog))
	for name := range r.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Key returns the registry key of path.
func (r *Resolver) Key(path FieldPath) (freshness.Key, error) {
	def, ok := r.catalog[path.Field]
	if !ok {
		return freshness.Key{}, fmt.Errorf("%w: %s", ErrUnknownField, path.Field)
	}
	path, err := canonical(path, def)
	if err != nil {
		return freshness.Key{}, err
	}
	return keyFor(path), nil
}

// canonical checks path against def and strips whatever does not identify
// the value, so equivalent paths share one registry entry.
func canonical(path FieldPath, def FieldDef) (FieldPath, error) {
	if def.PerAccount && path.Account == (common.Address{}) {
		return FieldPath{}, fmt.Errorf("%w: %s", ErrAccountRequired, path.Field)
	}
	if !def.PerAccount {
		path.Account = common.Address{}
	}
	if def.Native {
		path.Contract = common.Address{}
	}
	if def.NormalizeArgs != nil {
		args, err := def.NormalizeArgs(path.Args)
		if err != nil {
			return FieldPath{}, fmt.Errorf("field %s: %w", path.Field, err)
		}
		path.Args = args
	}
	return path, nil
}

func keyFor(path FieldPath) freshness.Key {
	field := path.Field
	if len(path.Args) > 0 {
		field += "(" + strings.Join(path.Args, ",") + ")"
	}
	return freshness.Key{Contract: path.Contract, Field: field, Account: path.Account}
}

// Resolve returns the cached value of path. The field is registered on
// first use; a stale value triggers a background refresh.
func (r *Resolver) Resolve(path FieldPath) (Result, error) {
	key, fc, err := r.prepare(path)
	if err != nil {
		return Result{}, err
	}

	snap, err := r.registry.ReadSnapshot(key, fc)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Key:       snap.Key,
		Field:     path.Field,
		Value:     snap.Value,
		Stale:     snap.Stale,
		FetchedAt: snap.LastFetchedAt,
		Version:   snap.Version,
	}, nil
}

// Refresh schedules a fetch of path regardless of its TTL.
func (r *Resolver) Refresh(path FieldPath) error {
	key, fc, err := r.prepare(path)
	if err != nil {
		return err
	}
	return r.registry.ForceRefresh(key, fc)
}

// Cell returns the observable value of path, registering it if needed.
func (r *Resolver) Cell(path FieldPath) (*freshness.Cell, error) {
	key, _, err := r.prepare(path)
	if err != nil {
		return nil, err
	}
	return r.registry.Cell(key), nil
}

func (r *Resolver) prepare(path FieldPath) (freshness.Key, freshness.FetchContext, error) {
	def, ok := r.catalog[path.Field]
	if !ok {
		return freshness.Key{}, freshness.FetchContext{}, fmt.Errorf("%w: %s", ErrUnknownField, path.Field)
	}
	path, err := canonical(path, def)
	if err != nil {
		return freshness.Key{}, freshness.FetchContext{}, err
	}
	key := keyFor(path)

	// Building the fetch function validates the arguments, even when the
	// key is already registered.
	fetch, err := def.Fetch(path.Args)
	if err != nil {
		return freshness.Key{}, freshness.FetchContext{}, fmt.Errorf("field %s: %w", path.Field, err)
	}
	if _, err := r.registry.Register(key, freshness.Spec{
		Fetch:   fetch,
		TTL:     def.TTL,
		Default: def.Default,
		Queries: def.Queries,
	}); err != nil {
		return freshness.Key{}, freshness.FetchContext{}, err
	}

	return key, freshness.FetchContext{Contract: path.Contract, Account: path.Account}, nil
}

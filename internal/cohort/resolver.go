// Package cohort partitions prediction records into protected-attribute
// cohorts according to a declared schema. Intersectional cohorts must be
// declared explicitly; subjects with missing or undeclared values fall into
// the reserved unknown cohort rather than being dropped.
package cohort

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/halcyon-health/equilens/internal/api"
	"github.com/halcyon-health/equilens/internal/cache"
)

// Attribute declares one protected attribute. An empty Values list accepts
// any value; otherwise values outside the list map to unknown. Reference
// optionally pins the reference cohort for this attribute.
type Attribute struct {
	Name      string   `json:"name"`
	Values    []string `json:"values,omitempty"`
	Reference string   `json:"reference,omitempty"`
}

// Schema is the declared protected-attribute space: the attributes, the
// explicitly declared intersections, and the maximum intersection arity.
type Schema struct {
	Attributes    []Attribute `json:"attributes"`
	Intersections [][]string  `json:"intersections,omitempty"`
	MaxArity      int         `json:"max_arity"`
}

// DefaultMaxArity bounds intersectional cohorts when the schema does not
// set its own limit.
const DefaultMaxArity = 2

// Validate checks the schema for duplicate or empty attribute names,
// intersections over undeclared attributes, and arity violations.
func (s Schema) Validate() error {
	if len(s.Attributes) == 0 {
		return fmt.Errorf("schema declares no attributes")
	}
	declared := make(map[string]Attribute, len(s.Attributes))
	for _, attr := range s.Attributes {
		if attr.Name == "" {
			return fmt.Errorf("attribute name cannot be empty")
		}
		if _, dup := declared[attr.Name]; dup {
			return fmt.Errorf("duplicate attribute %q", attr.Name)
		}
		if attr.Reference != "" && len(attr.Values) > 0 {
			found := false
			for _, v := range attr.Values {
				if v == attr.Reference {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("attribute %q reference %q not among declared values", attr.Name, attr.Reference)
			}
		}
		declared[attr.Name] = attr
	}

	maxArity := s.MaxArity
	if maxArity <= 0 {
		maxArity = DefaultMaxArity
	}
	for _, inter := range s.Intersections {
		if len(inter) < 2 {
			return fmt.Errorf("intersection %v must name at least two attributes", inter)
		}
		if len(inter) > maxArity {
			return fmt.Errorf("intersection %v exceeds max arity %d", inter, maxArity)
		}
		seen := make(map[string]bool, len(inter))
		for _, name := range inter {
			if _, ok := declared[name]; !ok {
				return &api.UnknownAttributeError{Attribute: name}
			}
			if seen[name] {
				return fmt.Errorf("intersection %v repeats attribute %q", inter, name)
			}
			seen[name] = true
		}
	}
	return nil
}

// Hash returns a stable digest of the schema, used to invalidate cached
// memberships when declarations change.
func (s Schema) Hash() string {
	var b strings.Builder
	attrs := make([]Attribute, len(s.Attributes))
	copy(attrs, s.Attributes)
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
	for _, a := range attrs {
		b.WriteString(a.Name)
		b.WriteString(":")
		b.WriteString(strings.Join(a.Values, "|"))
		b.WriteString(":")
		b.WriteString(a.Reference)
		b.WriteString(";")
	}
	inters := make([]string, 0, len(s.Intersections))
	for _, inter := range s.Intersections {
		names := make([]string, len(inter))
		copy(names, inter)
		sort.Strings(names)
		inters = append(inters, strings.Join(names, "+"))
	}
	sort.Strings(inters)
	b.WriteString(strings.Join(inters, ";"))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// CheckAttributes rejects a record carrying an attribute name the schema
// does not declare.
func (s Schema) CheckAttributes(rec api.PredictionRecord) error {
	for name := range rec.Attributes {
		declared := false
		for _, attr := range s.Attributes {
			if attr.Name == name {
				declared = true
				break
			}
		}
		if !declared {
			return &api.UnknownAttributeError{Attribute: name}
		}
	}
	return nil
}

// Unit pairs one cohort against the reference cohort of its dimension. The
// evaluation pipeline fans out over units.
type Unit struct {
	Dimension string
	Cohort    api.Cohort
	Reference api.Cohort
}

// Resolver turns record batches into evaluation units. Membership for a
// given (model version, window, schema) is cached; the cache is purged
// wholesale when the schema is swapped on config reload.
type Resolver struct {
	mu     sync.RWMutex
	schema Schema
	hash   string
	cache  *cache.TTLCache[string, []Unit]
	logger *zap.Logger
}

// NewResolver validates the schema and builds a resolver with a membership
// cache of the given size.
func NewResolver(schema Schema, cacheSize int, logger *zap.Logger) (*Resolver, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cohort schema: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = 128
	}
	c, err := cache.New[string, []Unit](cacheSize, 0)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{schema: schema, hash: schema.Hash(), cache: c, logger: logger}, nil
}

// Schema returns the active schema.
func (r *Resolver) Schema() Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schema
}

// SchemaHash returns the digest of the active schema.
func (r *Resolver) SchemaHash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hash
}

// CheckAttributes checks a record against the active schema.
func (r *Resolver) CheckAttributes(rec api.PredictionRecord) error {
	r.mu.RLock()
	schema := r.schema
	r.mu.RUnlock()
	return schema.CheckAttributes(rec)
}

// Swap replaces the schema after validation and purges cached memberships.
func (r *Resolver) Swap(schema Schema) error {
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("invalid cohort schema: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.hash
	r.schema = schema
	r.hash = schema.Hash()
	if r.hash != old {
		r.cache.Purge()
		r.logger.Info("cohort schema swapped",
			zap.String("old_hash", old[:12]),
			zap.String("new_hash", r.hash[:12]))
	}
	return nil
}

// CacheStats exposes membership cache counters.
func (r *Resolver) CacheStats() cache.Stats {
	return r.cache.Stats()
}

// Resolve partitions records into evaluation units: one unit per
// (dimension, cohort) with the dimension's reference cohort attached.
// Records carrying an attribute name absent from the schema fail the whole
// batch with UnknownAttributeError.
func (r *Resolver) Resolve(modelVersion string, window api.Window, records []api.PredictionRecord) ([]Unit, error) {
	r.mu.RLock()
	schema := r.schema
	hash := r.hash
	r.mu.RUnlock()

	key := fmt.Sprintf("%s|%s|%s|%d|%016x", modelVersion, window.Key(), hash, len(records), batchDigest(records))
	if units, ok := r.cache.Get(key); ok {
		return units, nil
	}

	declared := make(map[string]Attribute, len(schema.Attributes))
	for _, attr := range schema.Attributes {
		declared[attr.Name] = attr
	}
	for _, rec := range records {
		for name := range rec.Attributes {
			if _, ok := declared[name]; !ok {
				return nil, &api.UnknownAttributeError{Attribute: name}
			}
		}
	}

	var units []Unit
	for _, attr := range schema.Attributes {
		units = append(units, r.dimensionUnits([]Attribute{attr}, records)...)
	}
	for _, inter := range schema.Intersections {
		attrs := make([]Attribute, 0, len(inter))
		for _, name := range inter {
			attrs = append(attrs, declared[name])
		}
		units = append(units, r.dimensionUnits(attrs, records)...)
	}

	sort.Slice(units, func(i, j int) bool {
		if units[i].Dimension != units[j].Dimension {
			return units[i].Dimension < units[j].Dimension
		}
		return units[i].Cohort.Key < units[j].Cohort.Key
	})

	r.cache.Set(key, units)
	return units, nil
}

// batchDigest folds each record's identity and outcome state into an
// order-independent digest for the membership cache key. Outcome
// late-binding changes records without changing the batch size, so the
// key must cover content, not count.
func batchDigest(records []api.PredictionRecord) uint64 {
	var digest uint64
	for _, rec := range records {
		h := fnv.New64a()
		h.Write([]byte(rec.RecordID))
		if rec.Outcome != nil {
			h.Write([]byte{'|', byte('0' + rec.Outcome.Label)})
		}
		digest ^= h.Sum64()
	}
	return digest
}

// dimensionUnits groups records along one dimension (a single attribute or
// a declared intersection) and pairs every cohort with the dimension's
// reference cohort.
func (r *Resolver) dimensionUnits(attrs []Attribute, records []api.PredictionRecord) []Unit {
	names := make([]string, len(attrs))
	for i, a := range attrs {
		names[i] = a.Name
	}
	sort.Strings(names)
	dimension := strings.Join(names, "+")

	groups := make(map[string]*api.Cohort)
	for _, rec := range records {
		values := make(map[string]string, len(attrs))
		for _, attr := range attrs {
			values[attr.Name] = attributeValue(attr, rec)
		}
		key := api.CohortKey(values)
		c, ok := groups[key]
		if !ok {
			c = &api.Cohort{Key: key, Attributes: values}
			groups[key] = c
		}
		c.Records = append(c.Records, rec)
	}
	if len(groups) < 2 {
		// A dimension with a single cohort has nothing to compare.
		return nil
	}

	reference := pickReference(attrs, groups)
	units := make([]Unit, 0, len(groups)-1)
	for key, c := range groups {
		if key == reference.Key {
			continue
		}
		units = append(units, Unit{Dimension: dimension, Cohort: *c, Reference: *reference})
	}
	return units
}

// attributeValue maps a record's raw value into the declared value space,
// routing missing and undeclared values to unknown.
func attributeValue(attr Attribute, rec api.PredictionRecord) string {
	v, ok := rec.Attributes[attr.Name]
	if !ok || v == "" {
		return api.UnknownValue
	}
	if len(attr.Values) == 0 {
		return v
	}
	for _, declared := range attr.Values {
		if v == declared {
			return v
		}
	}
	return api.UnknownValue
}

// pickReference selects the dimension's reference cohort: the pinned
// reference value for a single attribute when that cohort exists, otherwise
// the largest cohort with lexicographic tie-breaking for determinism.
func pickReference(attrs []Attribute, groups map[string]*api.Cohort) *api.Cohort {
	if len(attrs) == 1 && attrs[0].Reference != "" {
		key := api.CohortKey(map[string]string{attrs[0].Name: attrs[0].Reference})
		if c, ok := groups[key]; ok {
			return c
		}
	}
	var ref *api.Cohort
	for _, c := range groups {
		if ref == nil || c.Size() > ref.Size() || (c.Size() == ref.Size() && c.Key < ref.Key) {
			ref = c
		}
	}
	return ref
}

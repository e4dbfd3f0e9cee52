// Package topology models one immutable epoch of the storage hierarchy.
//
// Devices and buckets live in id-indexed arenas and reference their children
// by id only, so a Topology can be shared by any number of goroutines without
// synchronisation. Changes never happen in place: every edit returns a new
// Topology with the next epoch number, sharing all untouched nodes with its
// predecessor.
package topology

import (
	"errors"
	"fmt"
	"sort"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/tunables"
)

// Topology is a validated, immutable snapshot of the hierarchy.
type Topology struct {
	epoch    uint64
	tunables tunables.Profile
	types    []Type

	devices []*Device // index == id
	buckets []*Bucket // index == -1-id
	// Parent bucket per arena slot; zero means the item is a root or
	// detached.
	devParent []ItemID
	bktParent []ItemID

	rules []*Rule // index == rule id

	names    map[string]ItemID
	maxDepth int
	checked  bool
}

// New builds and validates a topology from its wire form. Every structural
// problem found is reported; nothing is partially usable on error.
func New(m Map) (*Topology, error) {
	t, err := build(m)
	if err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.checked = true
	return t, nil
}

// NewUnchecked builds a topology that only satisfies referential integrity.
// Cycles, shared children and bad rules are left in place so that tooling can
// inspect and report them; the placement engine still refuses to loop
// forever on such a map. Unchecked topologies cannot be edited.
func NewUnchecked(m Map) (*Topology, error) {
	return build(m)
}

func normalizeProfile(p tunables.Profile) (tunables.Profile, error) {
	if p.ChooseTotalTries != 0 {
		return p, nil
	}
	if p.Name == "" {
		d := tunables.Default()
		d.Hash = p.Hash
		return d, nil
	}
	named, err := tunables.Lookup(p.Name)
	if err != nil {
		return tunables.Profile{}, err
	}
	named.Hash = p.Hash
	return named, nil
}

func build(m Map) (*Topology, error) {
	profile, err := normalizeProfile(m.Tunables)
	if err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	t := &Topology{
		epoch:    m.Epoch,
		tunables: profile,
		names:    make(map[string]ItemID, len(m.Devices)+len(m.Buckets)),
	}

	types := m.Types
	if len(types) == 0 {
		types = DefaultTypes()
	}
	t.types = append([]Type(nil), types...)
	sort.Slice(t.types, func(i, j int) bool { return t.types[i].ID < t.types[j].ID })
	for i, ty := range t.types {
		if ty.Name == "" {
			return nil, zerrors.MalformedError("type %d has no name", ty.ID)
		}
		if i > 0 && t.types[i-1].ID == ty.ID {
			return nil, zerrors.MalformedError("duplicate type id %d", ty.ID)
		}
		for _, other := range t.types[:i] {
			if other.Name == ty.Name {
				return nil, zerrors.MalformedError("duplicate type name %q", ty.Name)
			}
		}
	}
	if t.types[0].ID != DeviceType {
		return nil, zerrors.MalformedError("type table must declare the device level 0")
	}

	maxDev := ItemID(-1)
	for _, d := range m.Devices {
		if d.ID < 0 || d.ID == ItemNone {
			return nil, zerrors.MalformedError("device id %d out of range", d.ID)
		}
		if d.ID > maxDev {
			maxDev = d.ID
		}
	}
	t.devices = make([]*Device, maxDev+1)
	t.devParent = make([]ItemID, maxDev+1)
	for _, d := range m.Devices {
		if t.devices[d.ID] != nil {
			return nil, zerrors.MalformedError("duplicate device id %d", d.ID)
		}
		dev := &Device{ID: d.ID, Name: d.Name, Weight: d.Weight, Class: d.Class, Out: d.Out, Reweight: WeightOne}
		if d.Reweight != nil {
			if *d.Reweight > WeightOne {
				return nil, zerrors.MalformedError("device %d reweight %s above 1", d.ID, *d.Reweight)
			}
			dev.Reweight = *d.Reweight
		}
		if dev.Name == "" {
			dev.Name = fmt.Sprintf("%s.%d", t.types[0].Name, d.ID)
		}
		if err := t.claimName(dev.Name, dev.ID); err != nil {
			return nil, err
		}
		t.devices[d.ID] = dev
	}

	minBkt := 0
	for _, b := range m.Buckets {
		if b.ID >= 0 {
			return nil, zerrors.MalformedError("bucket id %d must be negative", b.ID)
		}
		if b.ID.bucketIndex() >= minBkt {
			minBkt = b.ID.bucketIndex() + 1
		}
	}
	t.buckets = make([]*Bucket, minBkt)
	t.bktParent = make([]ItemID, minBkt)
	for _, b := range m.Buckets {
		idx := b.ID.bucketIndex()
		if t.buckets[idx] != nil {
			return nil, zerrors.MalformedError("duplicate bucket id %d", b.ID)
		}
		if b.Name == "" {
			return nil, zerrors.MalformedError("bucket %d has no name", b.ID)
		}
		ty, ok := t.TypeByName(b.Type)
		if !ok {
			return nil, fmt.Errorf("%w: bucket %q type %q", zerrors.ErrUnknownType, b.Name, b.Type)
		}
		if err := t.claimName(b.Name, b.ID); err != nil {
			return nil, err
		}
		t.buckets[idx] = &Bucket{
			ID:    b.ID,
			Name:  b.Name,
			Type:  ty,
			Alg:   b.Alg,
			Items: append([]ItemID(nil), b.Items...),
		}
	}

	for _, b := range t.buckets {
		if b == nil {
			continue
		}
		for _, c := range b.Items {
			if !t.exists(c) {
				return nil, zerrors.MalformedError("bucket %q references missing item %d", b.Name, c)
			}
			t.setParent(c, b.ID)
		}
	}

	for _, r := range m.Rules {
		rule, err := t.resolveRule(r)
		if err != nil {
			return nil, err
		}
		for int(rule.ID) >= len(t.rules) {
			t.rules = append(t.rules, nil)
		}
		if t.rules[rule.ID] != nil {
			return nil, zerrors.MalformedError("duplicate rule id %d", rule.ID)
		}
		t.rules[rule.ID] = rule
	}

	t.computeWeights()
	t.maxDepth = t.computeDepth()
	return t, nil
}

func (t *Topology) claimName(name string, id ItemID) error {
	if _, ok := t.names[name]; ok {
		return zerrors.MalformedError("duplicate item name %q", name)
	}
	t.names[name] = id
	return nil
}

func (t *Topology) resolveRule(r RuleRecord) (*Rule, error) {
	if r.ID < 0 {
		return nil, zerrors.MalformedError("rule id %d must not be negative", r.ID)
	}
	kind := r.Kind
	if kind == 0 {
		kind = RuleReplicated
	}
	rule := &Rule{ID: r.ID, Name: r.Name, Kind: kind, Steps: make([]Step, 0, len(r.Steps))}
	if rule.Name == "" {
		rule.Name = fmt.Sprintf("rule.%d", r.ID)
	}
	for i, s := range r.Steps {
		step := Step{Op: s.Op, Item: s.Item, Num: s.Num}
		if s.Op.IsChoose() {
			ty, ok := t.TypeByName(s.Type)
			if !ok {
				return nil, fmt.Errorf("%w: rule %q step %d type %q", zerrors.ErrUnknownType, rule.Name, i, s.Type)
			}
			step.Type = ty
		}
		rule.Steps = append(rule.Steps, step)
	}
	return rule, nil
}

func (t *Topology) exists(id ItemID) bool {
	if id.IsBucket() {
		idx := id.bucketIndex()
		return idx < len(t.buckets) && t.buckets[idx] != nil
	}
	return id.IsDevice() && int(id) < len(t.devices) && t.devices[id] != nil
}

func (t *Topology) setParent(child, parent ItemID) {
	if child.IsBucket() {
		t.bktParent[child.bucketIndex()] = parent
		return
	}
	t.devParent[child] = parent
}

// computeWeights sums every bucket bottom-up. A child already on the current
// path contributes nothing, which keeps this terminating on cyclic maps.
func (t *Topology) computeWeights() {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make([]uint8, len(t.buckets))

	var visit func(b *Bucket) Weight
	visit = func(b *Bucket) Weight {
		idx := b.ID.bucketIndex()
		switch state[idx] {
		case onPath:
			return 0
		case done:
			return b.Weight
		}
		state[idx] = onPath
		var sum uint64
		for _, c := range b.Items {
			if c.IsBucket() {
				sum += uint64(visit(t.buckets[c.bucketIndex()]))
			} else {
				sum += uint64(t.devices[c].Weight)
			}
		}
		b.Weight = clampWeight(sum)
		state[idx] = done
		return b.Weight
	}

	for _, b := range t.buckets {
		if b != nil {
			visit(b)
		}
	}
}

func clampWeight(v uint64) Weight {
	if v > uint64(^Weight(0)) {
		return ^Weight(0)
	}
	return Weight(v)
}

// computeDepth returns the number of bucket levels on the longest descending
// path. On a cyclic map it degrades to the number of buckets.
func (t *Topology) computeDepth() int {
	memo := make([]int, len(t.buckets))
	onPath := make([]bool, len(t.buckets))
	cyclic := false

	var depth func(b *Bucket) int
	depth = func(b *Bucket) int {
		idx := b.ID.bucketIndex()
		if onPath[idx] {
			cyclic = true
			return 0
		}
		if memo[idx] > 0 {
			return memo[idx]
		}
		onPath[idx] = true
		best := 0
		for _, c := range b.Items {
			if c.IsBucket() {
				if d := depth(t.buckets[c.bucketIndex()]); d > best {
					best = d
				}
			}
		}
		onPath[idx] = false
		memo[idx] = best + 1
		return memo[idx]
	}

	max := 0
	for _, b := range t.buckets {
		if b == nil {
			continue
		}
		if d := depth(b); d > max {
			max = d
		}
	}
	if cyclic {
		return len(t.buckets)
	}
	return max
}

// Epoch is the version number of this snapshot.
func (t *Topology) Epoch() uint64 { return t.epoch }

// Tunables is the behaviour profile every mapper of this epoch must apply.
func (t *Topology) Tunables() tunables.Profile { return t.tunables }

// MaxDepth is the number of bucket levels on the longest path of the
// hierarchy. Traversals descending further are following a cycle.
func (t *Topology) MaxDepth() int { return t.maxDepth }

// Checked reports whether the topology passed full validation.
func (t *Topology) Checked() bool { return t.checked }

// Bucket returns the bucket with the given id.
//
// Return value MUST NOT be mutated.
func (t *Topology) Bucket(id ItemID) (*Bucket, error) {
	if !id.IsBucket() || id.bucketIndex() >= len(t.buckets) || t.buckets[id.bucketIndex()] == nil {
		return nil, zerrors.UnknownBucketError(int32(id))
	}
	return t.buckets[id.bucketIndex()], nil
}

// Device returns the device with the given id.
//
// Return value MUST NOT be mutated.
func (t *Topology) Device(id ItemID) (*Device, error) {
	if !id.IsDevice() || int(id) >= len(t.devices) || t.devices[id] == nil {
		return nil, zerrors.UnknownDeviceError(int32(id))
	}
	return t.devices[id], nil
}

// ItemWeight returns the weight of a device or the aggregate weight of a
// bucket.
func (t *Topology) ItemWeight(id ItemID) (Weight, error) {
	if id.IsBucket() {
		b, err := t.Bucket(id)
		if err != nil {
			return 0, err
		}
		return b.Weight, nil
	}
	d, err := t.Device(id)
	if err != nil {
		return 0, err
	}
	return d.Weight, nil
}

// ItemType returns the level of an item; devices are always level 0.
func (t *Topology) ItemType(id ItemID) (TypeID, error) {
	if id.IsBucket() {
		b, err := t.Bucket(id)
		if err != nil {
			return 0, err
		}
		return b.Type, nil
	}
	if _, err := t.Device(id); err != nil {
		return 0, err
	}
	return DeviceType, nil
}

// ChildrenOf lists the ordered children of a bucket with their weights.
func (t *Topology) ChildrenOf(id ItemID) ([]Child, error) {
	b, err := t.Bucket(id)
	if err != nil {
		return nil, err
	}
	out := make([]Child, 0, len(b.Items))
	for _, c := range b.Items {
		w, err := t.ItemWeight(c)
		if err != nil {
			return nil, err
		}
		kind := KindDevice
		if c.IsBucket() {
			kind = KindBucket
		}
		out = append(out, Child{ID: c, Kind: kind, Weight: w})
	}
	return out, nil
}

// Parent returns the bucket holding id, or false for roots.
func (t *Topology) Parent(id ItemID) (ItemID, bool) {
	var p ItemID
	switch {
	case id.IsBucket() && id.bucketIndex() < len(t.bktParent):
		p = t.bktParent[id.bucketIndex()]
	case id.IsDevice() && int(id) < len(t.devParent):
		p = t.devParent[id]
	}
	return p, p != 0
}

// Roots lists the buckets that have no parent, in arena order.
func (t *Topology) Roots() []ItemID {
	var roots []ItemID
	for i, b := range t.buckets {
		if b != nil && t.bktParent[i] == 0 {
			roots = append(roots, b.ID)
		}
	}
	return roots
}

// Devices lists every device id in ascending order.
func (t *Topology) Devices() []ItemID {
	ids := make([]ItemID, 0, len(t.devices))
	for _, d := range t.devices {
		if d != nil {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// Buckets lists every bucket id in arena order.
func (t *Topology) Buckets() []ItemID {
	ids := make([]ItemID, 0, len(t.buckets))
	for _, b := range t.buckets {
		if b != nil {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// BucketCapacity is the size of the bucket arena; bucket ids lie in
// [-BucketCapacity, -1].
func (t *Topology) BucketCapacity() int { return len(t.buckets) }

// Lookup resolves an item name.
func (t *Topology) Lookup(name string) (ItemID, bool) {
	id, ok := t.names[name]
	return id, ok
}

// ItemName returns the name of a device or bucket.
func (t *Topology) ItemName(id ItemID) string {
	if id.IsBucket() {
		if b, err := t.Bucket(id); err == nil {
			return b.Name
		}
	} else if d, err := t.Device(id); err == nil {
		return d.Name
	}
	return fmt.Sprintf("item.%d", id)
}

// Types returns the level table ordered by id.
func (t *Topology) Types() []Type {
	return append([]Type(nil), t.types...)
}

// TypeByName resolves a level name.
func (t *Topology) TypeByName(name string) (TypeID, bool) {
	for _, ty := range t.types {
		if ty.Name == name {
			return ty.ID, true
		}
	}
	return 0, false
}

func (t *Topology) typeKnown(id TypeID) bool {
	for _, ty := range t.types {
		if ty.ID == id {
			return true
		}
	}
	return false
}

// TypeName returns the name of a level.
func (t *Topology) TypeName(id TypeID) string {
	for _, ty := range t.types {
		if ty.ID == id {
			return ty.Name
		}
	}
	return fmt.Sprintf("type.%d", id)
}

// Rule returns the rule with the given id.
//
// Return value MUST NOT be mutated.
func (t *Topology) Rule(id int32) (*Rule, error) {
	if id < 0 || int(id) >= len(t.rules) || t.rules[id] == nil {
		return nil, zerrors.UnknownRuleError(id)
	}
	return t.rules[id], nil
}

// RuleByName returns the rule with the given name.
func (t *Topology) RuleByName(name string) (*Rule, error) {
	for _, r := range t.rules {
		if r != nil && r.Name == name {
			return r, nil
		}
	}
	return nil, zerrors.UnknownRuleError(name)
}

// Rules lists every rule ordered by id.
func (t *Topology) Rules() []*Rule {
	out := make([]*Rule, 0, len(t.rules))
	for _, r := range t.rules {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Validate reports every structural problem of the topology joined into one
// error wrapping ErrMalformedTopology.
func (t *Topology) Validate() error {
	var errs []error

	seen := make(map[ItemID]ItemID)
	for _, b := range t.buckets {
		if b == nil {
			continue
		}
		if b.Type == DeviceType {
			errs = append(errs, zerrors.MalformedError("bucket %q uses the device level", b.Name))
		}
		if !b.Alg.Valid() {
			errs = append(errs, zerrors.MalformedError("bucket %q has unknown algorithm %d", b.Name, uint8(b.Alg)))
		} else if !t.tunables.Allows(uint8(b.Alg)) {
			errs = append(errs, zerrors.MalformedError("bucket %q algorithm %s not allowed by tunables %q", b.Name, b.Alg, t.tunables.Name))
		}
		for _, c := range b.Items {
			if c == b.ID {
				errs = append(errs, zerrors.MalformedError("bucket %q contains itself", b.Name))
				continue
			}
			if prev, ok := seen[c]; ok {
				errs = append(errs, zerrors.MalformedError("item %d has two parents (%d and %d)", c, prev, b.ID))
				continue
			}
			seen[c] = b.ID
			if c.IsBucket() {
				child := t.buckets[c.bucketIndex()]
				if child.Type >= b.Type {
					errs = append(errs, zerrors.MalformedError("bucket %q (%s) sits under %q (%s)", child.Name, t.TypeName(child.Type), b.Name, t.TypeName(b.Type)))
				}
			}
		}
	}

	if cycle := t.findCycle(); cycle != 0 {
		errs = append(errs, zerrors.MalformedError("bucket %d is part of a cycle", cycle))
	}

	for _, r := range t.rules {
		if r == nil {
			continue
		}
		if err := t.validateRule(r); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func (t *Topology) validateRule(r *Rule) error {
	emitted := false
	taken := false
	for i, s := range r.Steps {
		switch {
		case !s.Op.Valid():
			return zerrors.MalformedError("rule %q step %d: unknown op %d", r.Name, i, uint8(s.Op))
		case s.Op == OpTake:
			if !t.exists(s.Item) {
				return zerrors.MalformedError("rule %q step %d: take of missing item %d", r.Name, i, s.Item)
			}
			taken = true
		case s.Op.IsChoose():
			if !taken {
				return zerrors.MalformedError("rule %q step %d: %s before take", r.Name, i, s.Op)
			}
			if !t.typeKnown(s.Type) {
				return zerrors.MalformedError("rule %q step %d: unknown type %d", r.Name, i, s.Type)
			}
		case s.Op == OpEmit:
			emitted = true
			taken = false
		}
	}
	if !emitted {
		return zerrors.MalformedError("rule %q never emits", r.Name)
	}
	return nil
}

// findCycle returns a bucket id on a cycle, or zero.
func (t *Topology) findCycle() ItemID {
	color := make([]uint8, len(t.buckets))
	var found ItemID

	var visit func(idx int) bool
	visit = func(idx int) bool {
		color[idx] = 1
		for _, c := range t.buckets[idx].Items {
			if !c.IsBucket() {
				continue
			}
			ci := c.bucketIndex()
			switch color[ci] {
			case 1:
				found = c
				return true
			case 0:
				if visit(ci) {
					return true
				}
			}
		}
		color[idx] = 2
		return false
	}

	for i, b := range t.buckets {
		if b != nil && color[i] == 0 && visit(i) {
			return found
		}
	}
	return 0
}

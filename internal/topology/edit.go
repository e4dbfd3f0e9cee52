package topology

import (
	"maps"
	"slices"
	"strconv"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/tunables"
)

// derive starts an edit: a shallow copy sharing every node with t, with its
// own arenas so that replaced nodes do not leak back into t.
func (t *Topology) derive() (*Topology, error) {
	if !t.checked {
		return nil, zerrors.InvalidEditError("topology was not validated")
	}
	n := *t
	n.epoch++
	n.devices = slices.Clone(t.devices)
	n.buckets = slices.Clone(t.buckets)
	n.devParent = slices.Clone(t.devParent)
	n.bktParent = slices.Clone(t.bktParent)
	n.rules = slices.Clone(t.rules)
	n.names = maps.Clone(t.names)
	return &n, nil
}

// propagate adds delta to the weight of every ancestor of id.
func (t *Topology) propagate(id ItemID, delta int64) {
	if delta == 0 {
		return
	}
	for p, ok := t.Parent(id); ok; p, ok = t.Parent(p) {
		idx := p.bucketIndex()
		b := *t.buckets[idx]
		w := int64(b.Weight) + delta
		if w < 0 {
			w = 0
		}
		b.Weight = clampWeight(uint64(w))
		t.buckets[idx] = &b
	}
}

func (t *Topology) replaceItems(parent ItemID, items []ItemID) {
	idx := parent.bucketIndex()
	b := *t.buckets[idx]
	b.Items = items
	t.buckets[idx] = &b
}

func (t *Topology) attach(child, parent ItemID) error {
	pb, err := t.Bucket(parent)
	if err != nil {
		return err
	}
	ct, err := t.ItemType(child)
	if err != nil {
		return err
	}
	if ct >= pb.Type {
		return zerrors.InvalidEditError("%s %q cannot sit under %s %q",
			t.TypeName(ct), t.ItemName(child), t.TypeName(pb.Type), pb.Name)
	}
	items := make([]ItemID, 0, len(pb.Items)+1)
	items = append(items, pb.Items...)
	items = append(items, child)
	t.replaceItems(parent, items)
	t.setParent(child, parent)
	w, _ := t.ItemWeight(child)
	t.propagate(child, int64(w))
	return nil
}

func (t *Topology) detach(child ItemID) {
	parent, ok := t.Parent(child)
	if !ok {
		return
	}
	w, _ := t.ItemWeight(child)
	t.propagate(child, -int64(w))
	pb := t.buckets[parent.bucketIndex()]
	items := make([]ItemID, 0, len(pb.Items))
	for _, c := range pb.Items {
		if c != child {
			items = append(items, c)
		}
	}
	t.replaceItems(parent, items)
	t.setParent(child, 0)
}

func (t *Topology) device(id ItemID) (*Device, error) {
	d, err := t.Device(id)
	if err != nil {
		return nil, err
	}
	cp := *d
	return &cp, nil
}

// WithWeightChanged sets the weight of a device. Bucket weights are derived
// and cannot be set directly.
func (t *Topology) WithWeightChanged(id ItemID, w Weight) (*Topology, error) {
	n, err := t.derive()
	if err != nil {
		return nil, err
	}
	if id.IsBucket() {
		if _, err := t.Bucket(id); err != nil {
			return nil, err
		}
		return nil, zerrors.InvalidEditError("bucket %d weight is derived from its children", id)
	}
	d, err := n.device(id)
	if err != nil {
		return nil, err
	}
	delta := int64(w) - int64(d.Weight)
	d.Weight = w
	n.devices[id] = d
	n.propagate(id, delta)
	return n, nil
}

// WithReweight sets the acceptance probability of a device.
func (t *Topology) WithReweight(id ItemID, rw Weight) (*Topology, error) {
	if rw > WeightOne {
		return nil, zerrors.InvalidEditError("reweight %s above 1", rw)
	}
	n, err := t.derive()
	if err != nil {
		return nil, err
	}
	d, err := n.device(id)
	if err != nil {
		return nil, err
	}
	d.Reweight = rw
	n.devices[id] = d
	return n, nil
}

// WithAvailability marks a device in or out. An out device keeps its weight
// and position but receives no placements.
func (t *Topology) WithAvailability(id ItemID, in bool) (*Topology, error) {
	n, err := t.derive()
	if err != nil {
		return nil, err
	}
	d, err := n.device(id)
	if err != nil {
		return nil, err
	}
	d.Out = !in
	n.devices[id] = d
	return n, nil
}

// WithDeviceAdded adds a device under parent.
func (t *Topology) WithDeviceAdded(rec DeviceRecord, parent ItemID) (*Topology, error) {
	n, err := t.derive()
	if err != nil {
		return nil, err
	}
	if err := n.addDevice(rec); err != nil {
		return nil, err
	}
	if err := n.attach(rec.ID, parent); err != nil {
		return nil, err
	}
	return n, nil
}

func (t *Topology) addDevice(rec DeviceRecord) error {
	if rec.ID < 0 || rec.ID == ItemNone {
		return zerrors.InvalidEditError("device id %d out of range", rec.ID)
	}
	if int(rec.ID) < len(t.devices) && t.devices[rec.ID] != nil {
		return zerrors.InvalidEditError("device %d already exists", rec.ID)
	}
	d := &Device{ID: rec.ID, Name: rec.Name, Weight: rec.Weight, Class: rec.Class, Out: rec.Out, Reweight: WeightOne}
	if rec.Reweight != nil {
		if *rec.Reweight > WeightOne {
			return zerrors.InvalidEditError("reweight %s above 1", *rec.Reweight)
		}
		d.Reweight = *rec.Reweight
	}
	if d.Name == "" {
		d.Name = t.TypeName(DeviceType) + "." + strconv.Itoa(int(rec.ID))
	}
	if _, taken := t.names[d.Name]; taken {
		return zerrors.InvalidEditError("name %q already in use", d.Name)
	}
	for int(rec.ID) >= len(t.devices) {
		t.devices = append(t.devices, nil)
		t.devParent = append(t.devParent, 0)
	}
	t.devices[rec.ID] = d
	t.names[d.Name] = d.ID
	return nil
}

// WithBucketAdded adds a bucket under parent, or as a new root when parent
// is zero. Its items must exist and must not have a parent yet. A zero id
// picks the first free bucket id.
func (t *Topology) WithBucketAdded(rec BucketRecord, parent ItemID) (*Topology, error) {
	n, err := t.derive()
	if err != nil {
		return nil, err
	}
	id, err := n.addBucket(rec)
	if err != nil {
		return nil, err
	}
	if parent != 0 {
		if err := n.attach(id, parent); err != nil {
			return nil, err
		}
	}
	n.maxDepth = n.computeDepth()
	return n, nil
}

func (t *Topology) addBucket(rec BucketRecord) (ItemID, error) {
	ty, ok := t.TypeByName(rec.Type)
	if !ok || ty == DeviceType {
		return 0, zerrors.InvalidEditError("bucket type %q unusable", rec.Type)
	}
	if !rec.Alg.Valid() || !t.tunables.Allows(uint8(rec.Alg)) {
		return 0, zerrors.InvalidEditError("bucket algorithm %s not allowed", rec.Alg)
	}
	if rec.Name == "" {
		return 0, zerrors.InvalidEditError("bucket needs a name")
	}
	if _, taken := t.names[rec.Name]; taken {
		return 0, zerrors.InvalidEditError("name %q already in use", rec.Name)
	}

	id := rec.ID
	switch {
	case id == 0:
		id = t.freeBucketID()
	case id > 0:
		return 0, zerrors.InvalidEditError("bucket id %d must be negative", id)
	case id.bucketIndex() < len(t.buckets) && t.buckets[id.bucketIndex()] != nil:
		return 0, zerrors.InvalidEditError("bucket %d already exists", id)
	}

	for _, c := range rec.Items {
		if !t.exists(c) {
			return 0, zerrors.InvalidEditError("item %d does not exist", c)
		}
		if _, has := t.Parent(c); has {
			return 0, zerrors.InvalidEditError("item %d already has a parent", c)
		}
		if ct, _ := t.ItemType(c); ct >= ty {
			return 0, zerrors.InvalidEditError("item %d is not below %s", c, rec.Type)
		}
	}

	for id.bucketIndex() >= len(t.buckets) {
		t.buckets = append(t.buckets, nil)
		t.bktParent = append(t.bktParent, 0)
	}
	b := &Bucket{ID: id, Name: rec.Name, Type: ty, Alg: rec.Alg, Items: slices.Clone(rec.Items)}
	var sum uint64
	for _, c := range b.Items {
		w, _ := t.ItemWeight(c)
		sum += uint64(w)
		t.setParent(c, id)
	}
	b.Weight = clampWeight(sum)
	t.buckets[id.bucketIndex()] = b
	t.names[b.Name] = id
	return id, nil
}

func (t *Topology) freeBucketID() ItemID {
	for i, b := range t.buckets {
		if b == nil {
			return BucketIDAt(i)
		}
	}
	return BucketIDAt(len(t.buckets))
}

// WithItemRemoved removes a device, or a bucket that has no children left.
// Items referenced by a rule's take step cannot be removed.
func (t *Topology) WithItemRemoved(id ItemID) (*Topology, error) {
	if !t.exists(id) {
		if id.IsBucket() {
			return nil, zerrors.UnknownBucketError(int32(id))
		}
		return nil, zerrors.UnknownDeviceError(int32(id))
	}
	for _, r := range t.rules {
		if r == nil {
			continue
		}
		for _, s := range r.Steps {
			if s.Op == OpTake && s.Item == id {
				return nil, zerrors.InvalidEditError("item %d is used by rule %q", id, r.Name)
			}
		}
	}

	n, err := t.derive()
	if err != nil {
		return nil, err
	}
	n.detach(id)
	if id.IsBucket() {
		b := n.buckets[id.bucketIndex()]
		if len(b.Items) > 0 {
			return nil, zerrors.InvalidEditError("bucket %q is not empty", b.Name)
		}
		delete(n.names, b.Name)
		n.buckets[id.bucketIndex()] = nil
		n.maxDepth = n.computeDepth()
		return n, nil
	}
	delete(n.names, n.devices[id].Name)
	n.devices[id] = nil
	return n, nil
}

// WithItemMoved re-parents an item. Moving a bucket below one of its own
// descendants is rejected.
func (t *Topology) WithItemMoved(id, parent ItemID) (*Topology, error) {
	if !t.exists(id) {
		if id.IsBucket() {
			return nil, zerrors.UnknownBucketError(int32(id))
		}
		return nil, zerrors.UnknownDeviceError(int32(id))
	}
	if _, err := t.Bucket(parent); err != nil {
		return nil, err
	}
	for p, ok := parent, true; ok; p, ok = t.Parent(p) {
		if p == id {
			return nil, zerrors.InvalidEditError("moving %d under %d creates a cycle", id, parent)
		}
	}
	if cur, ok := t.Parent(id); ok && cur == parent {
		return nil, zerrors.InvalidEditError("item %d is already under %d", id, parent)
	}

	n, err := t.derive()
	if err != nil {
		return nil, err
	}
	n.detach(id)
	if err := n.attach(id, parent); err != nil {
		return nil, err
	}
	n.maxDepth = n.computeDepth()
	return n, nil
}

// WithDeviceAt places a device at loc, creating the buckets named by the
// location that do not exist yet. An existing device is moved there.
func (t *Topology) WithDeviceAt(rec DeviceRecord, loc Location, alg Algorithm) (*Topology, error) {
	levels, err := loc.resolve(t)
	if err != nil {
		return nil, err
	}
	if alg == 0 {
		alg = AlgStraw2
	}

	n, err := t.derive()
	if err != nil {
		return nil, err
	}

	var parent ItemID
	for _, l := range levels {
		id, found := n.names[l.Name]
		if found {
			if !id.IsBucket() || n.buckets[id.bucketIndex()].Type != l.typeID {
				return nil, zerrors.InvalidEditError("%q is not a %s bucket", l.Name, l.Type)
			}
			if parent != 0 {
				if cur, ok := n.Parent(id); !ok || cur != parent {
					if ok {
						n.detach(id)
					}
					if err := n.attach(id, parent); err != nil {
						return nil, err
					}
				}
			}
		} else {
			id, err = n.addBucket(BucketRecord{Name: l.Name, Type: l.Type, Alg: alg})
			if err != nil {
				return nil, err
			}
			if parent != 0 {
				if err := n.attach(id, parent); err != nil {
					return nil, err
				}
			}
		}
		parent = id
	}
	if parent == 0 {
		return nil, zerrors.InvalidEditError("location %q names no bucket", loc)
	}

	if n.exists(rec.ID) {
		if cur, ok := n.Parent(rec.ID); !ok || cur != parent {
			n.detach(rec.ID)
			if err := n.attach(rec.ID, parent); err != nil {
				return nil, err
			}
		}
	} else {
		if err := n.addDevice(rec); err != nil {
			return nil, err
		}
		if err := n.attach(rec.ID, parent); err != nil {
			return nil, err
		}
	}
	n.maxDepth = n.computeDepth()
	return n, nil
}

// WithRuleAdded adds a rule. A negative id picks the next free rule id.
func (t *Topology) WithRuleAdded(rec RuleRecord) (*Topology, error) {
	n, err := t.derive()
	if err != nil {
		return nil, err
	}
	if rec.ID < 0 {
		rec.ID = int32(len(n.rules))
		for i, r := range n.rules {
			if r == nil {
				rec.ID = int32(i)
				break
			}
		}
	}
	if int(rec.ID) < len(n.rules) && n.rules[rec.ID] != nil {
		return nil, zerrors.InvalidEditError("rule %d already exists", rec.ID)
	}
	if rec.Name != "" {
		if _, err := n.RuleByName(rec.Name); err == nil {
			return nil, zerrors.InvalidEditError("rule name %q already in use", rec.Name)
		}
	}
	rule, err := n.resolveRule(rec)
	if err != nil {
		return nil, err
	}
	if err := n.validateRule(rule); err != nil {
		return nil, err
	}
	for int(rule.ID) >= len(n.rules) {
		n.rules = append(n.rules, nil)
	}
	n.rules[rule.ID] = rule
	return n, nil
}

// WithRuleRenamed renames a rule. Placement does not depend on rule names.
func (t *Topology) WithRuleRenamed(id int32, name string) (*Topology, error) {
	r, err := t.Rule(id)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, zerrors.InvalidEditError("rule name must not be empty")
	}
	if other, err := t.RuleByName(name); err == nil && other.ID != id {
		return nil, zerrors.InvalidEditError("rule name %q already in use", name)
	}
	n, err := t.derive()
	if err != nil {
		return nil, err
	}
	cp := *r
	cp.Name = name
	n.rules[id] = &cp
	return n, nil
}

// WithRuleRemoved deletes a rule.
func (t *Topology) WithRuleRemoved(id int32) (*Topology, error) {
	if _, err := t.Rule(id); err != nil {
		return nil, err
	}
	n, err := t.derive()
	if err != nil {
		return nil, err
	}
	n.rules[id] = nil
	return n, nil
}

// WithTunables switches the topology to another profile. Every bucket must
// use an algorithm the new profile allows.
func (t *Topology) WithTunables(p tunables.Profile) (*Topology, error) {
	p, err := normalizeProfile(p)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for _, b := range t.buckets {
		if b != nil && !p.Allows(uint8(b.Alg)) {
			return nil, zerrors.InvalidEditError("bucket %q uses %s which %q does not allow", b.Name, b.Alg, p.Name)
		}
	}
	n, err := t.derive()
	if err != nil {
		return nil, err
	}
	n.tunables = p
	return n, nil
}

package topology

import "fmt"

// Op is a rule step opcode.
type Op uint8

const (
	OpNoop                        Op = 0
	OpTake                        Op = 1
	OpChooseFirstN                Op = 2
	OpChooseIndep                 Op = 3
	OpEmit                        Op = 4
	OpChooseleafFirstN            Op = 6
	OpChooseleafIndep             Op = 7
	OpSetChooseTries              Op = 8
	OpSetChooseleafTries          Op = 9
	OpSetChooseLocalTries         Op = 10
	OpSetChooseLocalFallbackTries Op = 11
	OpSetChooseleafVaryR          Op = 12
	OpSetChooseleafStable         Op = 13
)

var opNames = map[Op]string{
	OpNoop:                        "noop",
	OpTake:                        "take",
	OpChooseFirstN:                "choose_firstn",
	OpChooseIndep:                 "choose_indep",
	OpEmit:                        "emit",
	OpChooseleafFirstN:            "chooseleaf_firstn",
	OpChooseleafIndep:             "chooseleaf_indep",
	OpSetChooseTries:              "set_choose_tries",
	OpSetChooseleafTries:          "set_chooseleaf_tries",
	OpSetChooseLocalTries:         "set_choose_local_tries",
	OpSetChooseLocalFallbackTries: "set_choose_local_fallback_tries",
	OpSetChooseleafVaryR:          "set_chooseleaf_vary_r",
	OpSetChooseleafStable:         "set_chooseleaf_stable",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Valid reports whether o is a known opcode.
func (o Op) Valid() bool {
	_, ok := opNames[o]
	return ok
}

// IsChoose reports whether o selects items.
func (o Op) IsChoose() bool {
	return o == OpChooseFirstN || o == OpChooseIndep || o == OpChooseleafFirstN || o == OpChooseleafIndep
}

// IsSetter reports whether o overrides a tunable for the rest of the rule.
func (o Op) IsSetter() bool {
	return o >= OpSetChooseTries && o <= OpSetChooseleafStable
}

func (o Op) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("unknown rule op %d", uint8(o))
	}
	return []byte(o.String()), nil
}

func (o *Op) UnmarshalText(text []byte) error {
	for op, n := range opNames {
		if n == string(text) {
			*o = op
			return nil
		}
	}
	return fmt.Errorf("unknown rule op %q", text)
}

// RuleKind tells which kind of pool a rule is written for.
type RuleKind uint8

const (
	RuleReplicated RuleKind = 1
	RuleErasure    RuleKind = 3
)

func (k RuleKind) String() string {
	switch k {
	case RuleReplicated:
		return "replicated"
	case RuleErasure:
		return "erasure"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k RuleKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *RuleKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "replicated", "":
		*k = RuleReplicated
	case "erasure":
		*k = RuleErasure
	default:
		return fmt.Errorf("unknown rule kind %q", text)
	}
	return nil
}

// Step is one resolved rule instruction.
//
// For take, Item is the starting point. For choose ops, Num is the number of
// items requested (0 means the caller's width, negative means width+Num) and
// Type the level to pick. Setter ops carry their value in Num.
type Step struct {
	Op   Op
	Item ItemID
	Num  int32
	Type TypeID
}

// Rule is an ordered step program.
type Rule struct {
	ID    int32
	Name  string
	Kind  RuleKind
	Steps []Step
}

// Take starts a rule at item.
func Take(item ItemID) Step { return Step{Op: OpTake, Item: item} }

// Choose selects num distinct items of type t.
func Choose(num int32, t TypeID) Step { return Step{Op: OpChooseFirstN, Num: num, Type: t} }

// ChooseLeaf selects num distinct items of type t and one device under each.
func ChooseLeaf(num int32, t TypeID) Step { return Step{Op: OpChooseleafFirstN, Num: num, Type: t} }

// ChooseIndep is the positional variant of Choose.
func ChooseIndep(num int32, t TypeID) Step { return Step{Op: OpChooseIndep, Num: num, Type: t} }

// ChooseLeafIndep is the positional variant of ChooseLeaf.
func ChooseLeafIndep(num int32, t TypeID) Step { return Step{Op: OpChooseleafIndep, Num: num, Type: t} }

// Emit appends the working set to the result.
func Emit() Step { return Step{Op: OpEmit} }

// Set overrides a tunable for the remaining steps.
func Set(op Op, value int32) Step { return Step{Op: op, Num: value} }

package docstore

// Op is a filter comparison.
type Op string

const (
	OpEqual         Op = "=="
	OpNotEqual      Op = "!="
	OpArrayContains Op = "array-contains"
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where builds a Filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

type Order struct {
	Field string
	Desc  bool
}

// Query selects documents of one collection. All filters must match.
// A zero Limit means no limit.
type Query struct {
	Filters []Filter
	OrderBy []Order
	Limit   int
}

// FieldOp is an in-place field transformation used with UpdateFields.
type FieldOp interface {
	fieldOp()
}

// ArrayUnionOp adds values not already present in the array field.
type ArrayUnionOp struct{ Values []any }

// ArrayRemoveOp removes every occurrence of the values from the array field.
type ArrayRemoveOp struct{ Values []any }

// AppendOp appends values to the array field, duplicates included.
type AppendOp struct{ Values []any }

// DeleteOp removes the field.
type DeleteOp struct{}

func (ArrayUnionOp) fieldOp()  {}
func (ArrayRemoveOp) fieldOp() {}
func (AppendOp) fieldOp()      {}
func (DeleteOp) fieldOp()      {}

func ArrayUnion(values ...any) FieldOp  { return ArrayUnionOp{Values: values} }
func ArrayRemove(values ...any) FieldOp { return ArrayRemoveOp{Values: values} }
func Append(values ...any) FieldOp      { return AppendOp{Values: values} }

// DeleteField removes a field when used as an update value.
var DeleteField FieldOp = DeleteOp{}

package evaluator

import (
	"fmt"
	"math/big"
	"reflect"

	"github.com/zclconf/go-cty/cty"
)

// nativeType wraps arbitrary Go values (controllers, templates, services) so
// they can flow through HCL expressions untouched.
var nativeType = cty.Capsule("native", reflect.TypeOf((*any)(nil)).Elem())

// ToCty converts a Go value into a cty value. Plain data becomes the matching
// cty type; anything else is carried in a capsule.
func ToCty(v any) cty.Value {
	switch val := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case cty.Value:
		return val
	case string:
		return cty.StringVal(val)
	case bool:
		return cty.BoolVal(val)
	case int:
		return cty.NumberIntVal(int64(val))
	case int64:
		return cty.NumberIntVal(val)
	case float64:
		return cty.NumberFloatVal(val)
	case []string:
		if len(val) == 0 {
			return cty.EmptyTupleVal
		}
		vals := make([]cty.Value, len(val))
		for i, s := range val {
			vals[i] = cty.StringVal(s)
		}
		return cty.TupleVal(vals)
	case []any:
		if len(val) == 0 {
			return cty.EmptyTupleVal
		}
		vals := make([]cty.Value, len(val))
		for i, item := range val {
			vals[i] = ToCty(item)
		}
		return cty.TupleVal(vals)
	case map[string]string:
		if len(val) == 0 {
			return cty.EmptyObjectVal
		}
		attrs := make(map[string]cty.Value, len(val))
		for k, s := range val {
			attrs[k] = cty.StringVal(s)
		}
		return cty.ObjectVal(attrs)
	case map[string]any:
		if len(val) == 0 {
			return cty.EmptyObjectVal
		}
		attrs := make(map[string]cty.Value, len(val))
		for k, item := range val {
			attrs[k] = ToCty(item)
		}
		return cty.ObjectVal(attrs)
	default:
		boxed := v
		return cty.CapsuleVal(nativeType, &boxed)
	}
}

// FromCty converts a cty value back into plain Go data, unwrapping capsules.
// Numbers become int when integral and float64 otherwise.
func FromCty(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	ty := v.Type()
	switch {
	case ty.Equals(nativeType):
		return *(v.EncapsulatedValue().(*any)), nil
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			gv, err := FromCty(ev)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = gv
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			gv, err := FromCty(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case ty.IsCapsuleType():
		return v.EncapsulatedValue(), nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}

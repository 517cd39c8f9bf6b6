package tiles

import (
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// CQL2JSON translates the comparison and logical subset of CQL2-JSON
// (and, or, not, =, <>, <, <=, >, >=, like, in, between, isNull) into SQL.
// Property references are checked against the layer columns; literals are
// always bound as arguments.
type CQL2JSON struct{}

func (CQL2JSON) Translate(filter any, columns []string, geometryColumn string) (string, []any, error) {
	expr, err := decodeCQL(filter)
	if err != nil {
		return "", nil, err
	}
	t := cqlTranslator{columns: columns, geometry: geometryColumn}
	pred, err := t.predicate(expr)
	if err != nil {
		return "", nil, err
	}
	return pred.ToSql()
}

func decodeCQL(filter any) (map[string]any, error) {
	switch f := filter.(type) {
	case map[string]any:
		return f, nil
	case string:
		return decodeCQLBytes([]byte(f))
	case []byte:
		return decodeCQLBytes(f)
	case json.RawMessage:
		return decodeCQLBytes(f)
	default:
		return nil, fmt.Errorf("unsupported filter value %T", filter)
	}
}

func decodeCQLBytes(b []byte) (map[string]any, error) {
	var expr map[string]any
	if err := json.Unmarshal(b, &expr); err != nil {
		return nil, fmt.Errorf("filter is not CQL2-JSON: %w", err)
	}
	return expr, nil
}

type cqlTranslator struct {
	columns  []string
	geometry string
}

func (t cqlTranslator) property(v any) (string, bool, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false, nil
	}
	name, ok := m["property"].(string)
	if !ok {
		return "", false, fmt.Errorf("unsupported operand %v", v)
	}
	if strings.EqualFold(name, t.geometry) {
		return "", false, fmt.Errorf("spatial operators are not supported on %q", name)
	}
	for _, c := range t.columns {
		if strings.EqualFold(c, name) {
			return QuoteIdent(c), true, nil
		}
	}
	return "", false, fmt.Errorf("unknown property %q", name)
}

func (t cqlTranslator) args(expr map[string]any) (string, []any, error) {
	op, _ := expr["op"].(string)
	if op == "" {
		return "", nil, fmt.Errorf("filter node without op")
	}
	args, ok := expr["args"].([]any)
	if !ok {
		return "", nil, fmt.Errorf("%s: args must be a list", op)
	}
	return strings.ToLower(op), args, nil
}

func (t cqlTranslator) predicate(expr map[string]any) (sq.Sqlizer, error) {
	op, args, err := t.args(expr)
	if err != nil {
		return nil, err
	}

	switch op {
	case "and", "or":
		parts := make([]sq.Sqlizer, 0, len(args))
		for _, a := range args {
			sub, ok := a.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: operand is not an expression", op)
			}
			p, err := t.predicate(sub)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}
		if len(parts) == 0 {
			return nil, fmt.Errorf("%s: no operands", op)
		}
		if op == "and" {
			return sq.And(parts), nil
		}
		return sq.Or(parts), nil
	case "not":
		if len(args) != 1 {
			return nil, fmt.Errorf("not: expected one operand")
		}
		sub, ok := args[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("not: operand is not an expression")
		}
		p, err := t.predicate(sub)
		if err != nil {
			return nil, err
		}
		sql, sqlArgs, err := p.ToSql()
		if err != nil {
			return nil, err
		}
		return sq.Expr("NOT ("+sql+")", sqlArgs...), nil
	case "isnull":
		if len(args) != 1 {
			return nil, fmt.Errorf("isNull: expected one operand")
		}
		col, ok, err := t.property(args[0])
		if err != nil || !ok {
			return nil, fmt.Errorf("isNull: %w", orMissing(err))
		}
		return sq.Eq{col: nil}, nil
	case "in":
		if len(args) != 2 {
			return nil, fmt.Errorf("in: expected property and list")
		}
		col, ok, err := t.property(args[0])
		if err != nil || !ok {
			return nil, fmt.Errorf("in: %w", orMissing(err))
		}
		values, ok := args[1].([]any)
		if !ok {
			return nil, fmt.Errorf("in: second operand must be a list")
		}
		return sq.Eq{col: values}, nil
	case "between":
		if len(args) != 3 {
			return nil, fmt.Errorf("between: expected three operands")
		}
		col, ok, err := t.property(args[0])
		if err != nil || !ok {
			return nil, fmt.Errorf("between: %w", orMissing(err))
		}
		return sq.Expr(col+" BETWEEN ? AND ?", args[1], args[2]), nil
	case "=", "<>", "<", "<=", ">", ">=", "like":
		return t.comparison(op, args)
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
}

func (t cqlTranslator) comparison(op string, args []any) (sq.Sqlizer, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%s: expected two operands", op)
	}
	col, ok, err := t.property(args[0])
	if err != nil {
		return nil, err
	}
	value := args[1]
	if !ok && op != "like" {
		// literal on the left
		col, ok, err = t.property(args[1])
		if err != nil || !ok {
			return nil, fmt.Errorf("%s: %w", op, orMissing(err))
		}
		value = args[0]
		op = flipComparison(op)
	} else if !ok {
		return nil, fmt.Errorf("like: %w", orMissing(nil))
	}
	if _, isRef := value.(map[string]any); isRef {
		other, _, err := t.property(value)
		if err != nil {
			return nil, err
		}
		return sq.Expr(col + " " + sqlOperator(op) + " " + other), nil
	}

	switch op {
	case "=":
		return sq.Eq{col: value}, nil
	case "<>":
		return sq.NotEq{col: value}, nil
	case "<":
		return sq.Lt{col: value}, nil
	case "<=":
		return sq.LtOrEq{col: value}, nil
	case ">":
		return sq.Gt{col: value}, nil
	case ">=":
		return sq.GtOrEq{col: value}, nil
	default:
		return sq.Like{col: value}, nil
	}
}

func sqlOperator(op string) string {
	if op == "like" {
		return "LIKE"
	}
	return op
}

func flipComparison(op string) string {
	switch op {
	case "<":
		return ">"
	case "<=":
		return ">="
	case ">":
		return "<"
	case ">=":
		return "<="
	default:
		return op
	}
}

func orMissing(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("first operand must be a property")
}

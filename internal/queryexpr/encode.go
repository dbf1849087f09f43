package queryexpr

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeJS renders an Expr as a JS object literal, using the exact field
// names and exprType discriminants the runtime's __filterWithExpression
// receiver expects. The rewriter splices the result directly into the
// compiled source as the second argument of the rewritten filter call.
func EncodeJS(e Expr) string {
	var b strings.Builder
	encodeJS(&b, e)
	return b.String()
}

func encodeJS(b *strings.Builder, e Expr) {
	switch n := e.(type) {
	case Binary:
		b.WriteString(`{exprType:"Binary",op:"`)
		b.WriteString(string(n.Op))
		b.WriteString(`",left:`)
		encodeJS(b, n.Left)
		b.WriteString(`,right:`)
		encodeJS(b, n.Right)
		b.WriteString(`}`)
	case Property:
		b.WriteString(`{exprType:"Property",object:`)
		encodeJS(b, n.Object)
		b.WriteString(`,property:`)
		b.WriteString(jsStringLit(n.Property))
		b.WriteString(`}`)
	case Identifier:
		b.WriteString(`{exprType:"Identifier",ident:`)
		b.WriteString(jsStringLit(n.Ident))
		b.WriteString(`}`)
	case Parameter:
		b.WriteString(`{exprType:"Parameter",position:`)
		b.WriteString(strconv.FormatUint(uint64(n.Position), 10))
		b.WriteString(`}`)
	case Literal:
		b.WriteString(`{exprType:"Literal",value:`)
		b.WriteString(jsValueLit(n.Value))
		b.WriteString(`}`)
	default:
		panic(fmt.Sprintf("queryexpr: unhandled node type %T", e))
	}
}

func jsValueLit(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "true"
		}
		return "false"
	case string:
		return jsStringLit(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return "null"
	}
}

func jsStringLit(s string) string {
	quoted := strconv.Quote(s)
	return quoted
}

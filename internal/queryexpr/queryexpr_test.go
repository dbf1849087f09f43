package queryexpr

import "testing"

func TestEncodeJSCompoundPredicate(t *testing.T) {
	expr := Binary{
		Op: And,
		Left: Binary{
			Op: GtEq,
			Left: Property{
				Object:   Parameter{Position: 0},
				Property: "age",
			},
			Right: Literal{Value: float64(18)},
		},
		Right: Binary{
			Op: Eq,
			Left: Property{
				Object:   Parameter{Position: 0},
				Property: "name",
			},
			Right: Literal{Value: "a"},
		},
	}

	got := EncodeJS(expr)
	want := `{exprType:"Binary",op:"And",left:{exprType:"Binary",op:"GtEq",left:{exprType:"Property",object:{exprType:"Parameter",position:0},property:"age"},right:{exprType:"Literal",value:18}},right:{exprType:"Binary",op:"Eq",left:{exprType:"Property",object:{exprType:"Parameter",position:0},property:"name"},right:{exprType:"Literal",value:"a"}}}`
	if got != want {
		t.Fatalf("EncodeJS mismatch:\n got  %s\n want %s", got, want)
	}
}

func TestLookupBinaryOp(t *testing.T) {
	cases := map[string]BinaryOp{
		"==": Eq, "!=": NotEq, "<": Lt, "<=": LtEq, ">": Gt, ">=": GtEq, "&&": And, "||": Or,
	}
	for tok, want := range cases {
		got, ok := LookupBinaryOp(tok)
		if !ok || got != want {
			t.Fatalf("LookupBinaryOp(%q) = %v, %v; want %v, true", tok, got, ok, want)
		}
	}
	if _, ok := LookupBinaryOp("&"); ok {
		t.Fatalf("expected bitwise & to be unsupported")
	}
}

func TestToMapRoundtrip(t *testing.T) {
	expr := Property{Object: Identifier{Ident: "x"}, Property: "f"}
	m := ToMap(expr)
	if m["exprType"] != "Property" || m["property"] != "f" {
		t.Fatalf("unexpected map: %+v", m)
	}
}

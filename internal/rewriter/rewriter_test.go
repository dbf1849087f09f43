package rewriter

import "testing"

func TestRewriteLowersCompoundPredicate(t *testing.T) {
	src := `Users.filter(u => u.age >= 18 && u.name == "a")`
	symbols := NewSymbols("Users")
	r := New(symbols)

	out, changed := r.Rewrite(src)
	if !changed {
		t.Fatalf("expected rewrite to change the source")
	}

	want := `Users.__filterWithExpression(u => u.age >= 18 && u.name == "a", ` +
		`{exprType:"Binary",op:"And",left:{exprType:"Binary",op:"GtEq",left:{exprType:"Property",object:{exprType:"Parameter",position:0},property:"age"},right:{exprType:"Literal",value:18}},right:{exprType:"Binary",op:"Eq",left:{exprType:"Property",object:{exprType:"Parameter",position:0},property:"name"},right:{exprType:"Literal",value:"a"}}})`
	if out != want {
		t.Fatalf("rewrite mismatch:\n got  %s\n want %s", out, want)
	}
}

func TestRewriteLeavesUnrecognisedCollectionAlone(t *testing.T) {
	src := `Orders.filter(o => o.total > 10)`
	symbols := NewSymbols("Users") // Orders is not registered
	r := New(symbols)

	out, changed := r.Rewrite(src)
	if changed || out != src {
		t.Fatalf("expected no rewrite for unregistered collection, got changed=%v out=%q", changed, out)
	}
}

func TestRewriteLeavesUnlowerablePredicateAlone(t *testing.T) {
	src := `Users.filter(u => u.tags.includes("vip"))`
	symbols := NewSymbols("Users")
	r := New(symbols)

	out, changed := r.Rewrite(src)
	if changed || out != src {
		t.Fatalf("expected no rewrite for call-expression operand, got changed=%v out=%q", changed, out)
	}
}

func TestRewriteIsIdempotent(t *testing.T) {
	src := `Users.filter(u => u.age >= 18)`
	symbols := NewSymbols("Users")
	r := New(symbols)

	once, _ := r.Rewrite(src)
	twice, changedAgain := r.Rewrite(once)

	if changedAgain {
		t.Fatalf("expected second pass to find nothing left to rewrite")
	}
	if once != twice {
		t.Fatalf("rewrite is not idempotent:\n once  %s\n twice %s", once, twice)
	}
}

func TestRewriteMultiplePredicatesInOneModule(t *testing.T) {
	src := `export default async function(req) {
  const adults = Users.filter(u => u.age >= 18);
  const named = Users.filter(u => u.name == "a");
  return new Response("ok");
}`
	symbols := NewSymbols("Users")
	r := New(symbols)

	out, changed := r.Rewrite(src)
	if !changed {
		t.Fatalf("expected rewrite to fire")
	}
	if countOccurrences(out, "__filterWithExpression") != 2 {
		t.Fatalf("expected both filter calls rewritten, got: %s", out)
	}
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
			i += len(needle) - 1
		}
	}
	return count
}

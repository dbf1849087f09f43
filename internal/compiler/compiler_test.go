package compiler

import (
	"strings"
	"testing"
)

func TestCompileStripsTypeAnnotations(t *testing.T) {
	c := New()
	src := `
interface Greeting {
  text: string;
}

export default async function(req: Request): Promise<Response> {
  const g: Greeting = { text: "hi" };
  return new Response(g.text as string, { status: 200 });
}
`
	out, err := c.Compile(src)
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if strings.Contains(out, "interface") {
		t.Fatalf("expected interface declaration to be erased, got: %s", out)
	}
	if strings.Contains(out, ": Request") || strings.Contains(out, ": Greeting") {
		t.Fatalf("expected type annotations to be erased, got: %s", out)
	}
}

func TestCompileRejectsInvalidSyntax(t *testing.T) {
	c := New()
	_, err := c.Compile(`export default function( {{{`)
	if err == nil {
		t.Fatalf("expected a parse error for malformed source")
	}
	if _, ok := err.(*SourceParseError); !ok {
		t.Fatalf("expected *SourceParseError, got %T: %v", err, err)
	}
}

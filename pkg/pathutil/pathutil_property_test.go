package pathutil

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestIsParentProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a path contains its own descendants", prop.ForAll(
		func(a, b string) bool {
			parent := "/workspace/" + a
			return IsParent(parent, parent+"/"+b)
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("a sibling sharing a name prefix is never contained", prop.ForAll(
		func(a, b string) bool {
			parent := "/workspace/" + a
			return !IsParent(parent, parent+b)
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("trailing separators never change containment", prop.ForAll(
		func(a, b string) bool {
			parent := "/workspace/" + a
			inside := parent + "/" + b
			outside := "/elsewhere/" + b
			return IsParent(parent+"/", inside) == IsParent(parent, inside) &&
				IsParent(parent+"/", outside) == IsParent(parent, outside)
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestRelativeToProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("remainder of a descendant is its appended segments", prop.ForAll(
		func(a, b, c string) bool {
			parent := "/workspace/" + a
			rel, ok := RelativeTo(parent, parent+"/"+b+"/"+c)
			return ok && rel == "/"+b+"/"+c
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("remainder always starts with a slash", prop.ForAll(
		func(a, b string) bool {
			rel, ok := RelativeTo("/workspace/"+a, "/workspace/"+a+"/"+b)
			return ok && strings.HasPrefix(rel, "/")
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestJoinURLProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one slash joins the parts", prop.ForAll(
		func(base, rel string, i, j int) bool {
			b := "/" + base + strings.Repeat("/", i)
			r := strings.Repeat("/", j) + rel
			return JoinURL(b, r) == "/"+base+"/"+rel
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.IntRange(0, 3),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

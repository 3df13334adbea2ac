package tokens

import "testing"

func TestParse_ClientToken(t *testing.T) {
	tok, err := Parse("projectA:production.abc123secret")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if tok.Environment != "production" {
		t.Fatalf("Environment = %q, want production", tok.Environment)
	}
	if tok.Secret != "abc123secret" {
		t.Fatalf("Secret = %q, want abc123secret", tok.Secret)
	}
	if len(tok.Projects) != 1 || tok.Projects[0] != "projectA" {
		t.Fatalf("Projects = %v, want [projectA]", tok.Projects)
	}
}

func TestParse_ProjectSpecIsNeverCommaSplit(t *testing.T) {
	tok, err := Parse("projectA,projectB:production.abc123secret")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(tok.Projects) != 1 || tok.Projects[0] != "projectA,projectB" {
		t.Fatalf("Projects = %v, want a single literal-string entry, not a comma split", tok.Projects)
	}
}

func TestParse_EmptyProjectSpec(t *testing.T) {
	tok, err := Parse("[]:production.secret1")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(tok.Projects) != 0 {
		t.Fatalf("Projects = %v, want empty vector for '[]'", tok.Projects)
	}
}

func TestParse_WildcardProject(t *testing.T) {
	tok, err := Parse("*:development.secretvalue")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !tok.HasWildcardProject() {
		t.Fatalf("expected wildcard project token")
	}
	if tok.Environment != "development" {
		t.Fatalf("Environment = %q, want development", tok.Environment)
	}
}

func TestParse_DefaultsToUnknownKindAndStatus(t *testing.T) {
	tok, err := Parse("*:development.secretvalue")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if tok.Type != TypeUnknown {
		t.Fatalf("Type = %q, want unknown at parse time", tok.Type)
	}
	if tok.Status != StatusUnknown {
		t.Fatalf("Status = %q, want unknown at parse time", tok.Status)
	}
}

func TestParse_BareTokenWithoutColonIsRejected(t *testing.T) {
	if _, err := Parse("staging.bare-secret"); err == nil {
		t.Fatal("Parse() of a colon-less token should fail: the project separator is mandatory")
	}
}

func TestParse_Malformed(t *testing.T) {
	cases := []string{"", "nosecret", "production.", ".secret", "a:production", "a:.secret"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", c)
		}
	}
}

func TestCacheKey_StableUnderWildcard(t *testing.T) {
	a, _ := Parse("*:production.secret1")
	b, _ := Parse("*:production.secret2")
	if a.CacheKey() != b.CacheKey() {
		t.Fatalf("CacheKey mismatch: %q vs %q", a.CacheKey(), b.CacheKey())
	}
}

func TestSubsumes(t *testing.T) {
	wildcard, _ := Parse("*:production.secret1")
	scoped, _ := Parse("a:production.secret2")
	otherEnv, _ := Parse("a:staging.secret3")

	if !wildcard.Subsumes(scoped) {
		t.Error("wildcard token should subsume scoped token in same environment")
	}
	if scoped.Subsumes(wildcard) {
		t.Error("scoped token must not subsume wildcard token")
	}
	if wildcard.Subsumes(otherEnv) {
		t.Error("tokens in different environments must never subsume each other")
	}

	narrower, _ := Parse("a:production.secret4")
	if !scoped.Subsumes(narrower) {
		t.Error("same-project token should subsume itself-scoped token")
	}
}

func TestSubsumes_RequiresSameKind(t *testing.T) {
	wildcard, _ := Parse("*:production.secret1")
	other, _ := Parse("*:production.secret2")
	other.Type = TypeAdmin

	if wildcard.Subsumes(other) {
		t.Error("tokens of different kinds must never subsume each other even with identical scope")
	}
}

func TestAnonymize_HidesSecretPreservesScope(t *testing.T) {
	tok, _ := Parse("a:production.supersecretvalue")
	anon := tok.Anonymize()
	if containsSecret(anon, tok.Secret) {
		t.Fatalf("Anonymize() leaked the raw secret: %q", anon)
	}
}

func containsSecret(s, secret string) bool {
	return len(secret) > 0 && len(s) >= len(secret) && indexOf(s, secret) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestSimplify_DropsSubsumedTokens(t *testing.T) {
	wildcard, _ := Parse("*:production.s1")
	scopedA, _ := Parse("a:production.s2")
	scopedB, _ := Parse("b:production.s3")
	otherEnv, _ := Parse("a:staging.s4")

	out := Simplify([]Token{scopedA, wildcard, scopedB, otherEnv})
	if len(out) != 2 {
		t.Fatalf("Simplify() = %d tokens, want 2: %+v", len(out), out)
	}
	if out[0].CacheKey() != wildcard.CacheKey() {
		t.Fatalf("expected wildcard token to survive first, got %+v", out)
	}
	if out[1].CacheKey() != otherEnv.CacheKey() {
		t.Fatalf("expected staging token to survive, got %+v", out)
	}
}

func TestSimplify_DuplicateScopeKeepsFirst(t *testing.T) {
	a, _ := Parse("a:production.secret1")
	b, _ := Parse("a:production.secret2")
	out := Simplify([]Token{a, b})
	if len(out) != 1 {
		t.Fatalf("Simplify() = %d tokens, want 1", len(out))
	}
	if out[0].Secret != "secret1" {
		t.Fatalf("Simplify() kept %q, want the first occurrence's secret", out[0].Secret)
	}
}

func TestGroupByEnvironment(t *testing.T) {
	a, _ := Parse("a:production.s1")
	b, _ := Parse("b:staging.s2")
	c, _ := Parse("c:production.s3")

	groups := GroupByEnvironment([]Token{a, b, c})
	if len(groups["production"]) != 2 {
		t.Fatalf("production group = %d, want 2", len(groups["production"]))
	}
	if len(groups["staging"]) != 1 {
		t.Fatalf("staging group = %d, want 1", len(groups["staging"]))
	}
}

func TestEqual_ComparesRawString(t *testing.T) {
	a, _ := Parse("a:production.secret1")
	b, _ := Parse("a:production.secret1")
	c, _ := Parse("a:production.secret2")

	if !a.Equal(b) {
		t.Fatal("two tokens parsed from the same raw string should be equal")
	}
	if a.Equal(c) {
		t.Fatal("tokens with different secrets must not be equal even with identical scope")
	}
}

func TestParseTrustedToken_NormalForm(t *testing.T) {
	tok, err := ParseTrustedToken("alias1", "a:production.secret1")
	if err != nil {
		t.Fatalf("ParseTrustedToken() error = %v", err)
	}
	if tok.Status != StatusTrusted || tok.Type != TypeFrontend {
		t.Fatalf("got Status=%q Type=%q, want trusted/frontend", tok.Status, tok.Type)
	}
	if tok.Alias != "alias1" {
		t.Fatalf("Alias = %q, want alias1", tok.Alias)
	}
}

func TestParseTrustedToken_LegacyForm(t *testing.T) {
	tok, err := ParseTrustedToken("ignored", "mysecret@production")
	if err != nil {
		t.Fatalf("ParseTrustedToken() error = %v", err)
	}
	if tok.Status != StatusTrusted || tok.Type != TypeFrontend {
		t.Fatalf("got Status=%q Type=%q, want trusted/frontend", tok.Status, tok.Type)
	}
	if tok.Environment != "production" {
		t.Fatalf("Environment = %q, want production", tok.Environment)
	}
	if !tok.HasWildcardProject() {
		t.Fatal("legacy trusted tokens should be wildcard-scoped")
	}
	if tok.Alias != "mysecret" {
		t.Fatalf("Alias = %q, want mysecret", tok.Alias)
	}
}

func TestParseLegacyTrustedToken_RequiresExactlyOneAt(t *testing.T) {
	cases := []string{"nosecretmarker", "@production", "secret@"}
	for _, c := range cases {
		if _, err := ParseLegacyTrustedToken(c); err == nil {
			t.Errorf("ParseLegacyTrustedToken(%q) expected error, got nil", c)
		}
	}
}

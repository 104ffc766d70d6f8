package worker

import "testing"

func TestJaccardSimilarityIdenticalIsOne(t *testing.T) {
	if got := jaccardSimilarity("a b c", "a b c"); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}

func TestJaccardSimilarityEmptyIsZero(t *testing.T) {
	if got := jaccardSimilarity("", ""); got != 0 {
		t.Fatalf("expected 0 for two empty strings, got %v", got)
	}
}

func TestJaccardSimilarityDisjointIsZero(t *testing.T) {
	if got := jaccardSimilarity("a b c", "x y z"); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestIsLoopingRequiresFullWindow(t *testing.T) {
	if isLooping([]string{"a b", "a b"}) {
		t.Fatal("expected no loop detection below the window size")
	}
}

func TestIsLoopingDetectsNearIdenticalPrograms(t *testing.T) {
	codes := []string{
		"x = fetch(context) ; y = parse(x) ; print(y)",
		"x = fetch(context) ; y = parse(x) ; print(y) ; print(x)",
		"x = fetch(context) ; y = parse(x) ; print(x) ; print(y)",
	}
	if !isLooping(codes) {
		t.Fatal("expected loop detection across three near-identical programs")
	}
}

func TestIsLoopingIgnoresDissimilarPrograms(t *testing.T) {
	codes := []string{
		"x = fetch(context)",
		"final_answer = summarize(x)",
		"y = len(context)",
	}
	if isLooping(codes) {
		t.Fatal("expected no loop detection across dissimilar programs")
	}
}

package llm

import (
	"reflect"
	"testing"
)

func TestSentenceBufferSplitsAcrossAdds(t *testing.T) {
	b := NewSentenceBuffer()

	got := b.Add("Hello there! How are")
	if !reflect.DeepEqual(got, []string{"Hello there!"}) {
		t.Errorf("first add = %v", got)
	}

	got = b.Add(" you today? I am")
	if !reflect.DeepEqual(got, []string{"How are you today?"}) {
		t.Errorf("second add = %v", got)
	}

	if rest := b.Flush(); rest != "I am" {
		t.Errorf("flush = %q", rest)
	}
	if b.Pending() != "" {
		t.Error("flush must reset the buffer")
	}
}

func TestSentenceBufferKeepsAbbreviations(t *testing.T) {
	b := NewSentenceBuffer()

	got := b.Add("Dr. Smith will call you at 3.5 minutes past. Thanks.")
	want := []string{"Dr. Smith will call you at 3.5 minutes past.", "Thanks."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSentenceBufferNewlineBoundary(t *testing.T) {
	b := NewSentenceBuffer()

	got := b.Add("First line\nsecond part. ")
	want := []string{"First line", "second part."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSentenceBufferFlushEmpty(t *testing.T) {
	b := NewSentenceBuffer()
	if rest := b.Flush(); rest != "" {
		t.Errorf("flush of empty buffer = %q", rest)
	}
}

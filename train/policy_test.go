package train

import (
	"math"
	"math/rand"
	"testing"
)

func TestRandomPolicy_UniformActions(t *testing.T) {
	p := &RandomPolicy{ActionSize: 2, Rand: rand.New(rand.NewSource(7))}
	obs := make([][]float64, 10)

	choices, err := p.SelectActions(obs)
	if err != nil {
		t.Fatal(err)
	}
	if len(choices) != 10 {
		t.Fatalf("choices = %d, want 10", len(choices))
	}

	wantLogProb := -2 * math.Log(2)
	for i, c := range choices {
		if len(c.Action) != 2 {
			t.Fatalf("choice %d action length = %d, want 2", i, len(c.Action))
		}
		for _, v := range c.Action {
			if v < -1 || v > 1 {
				t.Errorf("choice %d action %v outside [-1, 1]", i, v)
			}
		}
		if c.LogProb != wantLogProb {
			t.Errorf("choice %d log prob = %v, want %v", i, c.LogProb, wantLogProb)
		}
		if c.Value != 0 {
			t.Errorf("choice %d value = %v, want 0", i, c.Value)
		}
	}
}

func TestRandomPolicy_Deterministic(t *testing.T) {
	a := &RandomPolicy{ActionSize: 1, Rand: rand.New(rand.NewSource(3))}
	b := &RandomPolicy{ActionSize: 1, Rand: rand.New(rand.NewSource(3))}

	ca, _ := a.SelectActions(make([][]float64, 5))
	cb, _ := b.SelectActions(make([][]float64, 5))
	for i := range ca {
		if ca[i].Action[0] != cb[i].Action[0] {
			t.Fatalf("same seed diverged at choice %d", i)
		}
	}
}

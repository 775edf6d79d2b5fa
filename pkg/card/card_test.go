package card

import (
	"errors"
	"testing"
)

func TestStageNext(t *testing.T) {
	if StageCreated.Next() != StageTriggered {
		t.Fatalf("expected triggered after created, got %s", StageCreated.Next())
	}
	if StageRestocked.Next() != "" {
		t.Fatal("restocked is terminal, expected no successor")
	}
}

func TestCheckTransitionLinearChain(t *testing.T) {
	chain := []Stage{StageCreated, StageTriggered, StageOrdered, StageInTransit, StageReceived, StageRestocked}
	for i := 0; i+1 < len(chain); i++ {
		if err := CheckTransition(chain[i], chain[i+1]); err != nil {
			t.Fatalf("expected %s -> %s to be legal: %v", chain[i], chain[i+1], err)
		}
	}
}

func TestCheckTransitionRejectsSkip(t *testing.T) {
	err := CheckTransition(StageCreated, StageOrdered)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for created -> ordered, got %v", err)
	}
}

func TestCheckTransitionRejectsBackward(t *testing.T) {
	err := CheckTransition(StageOrdered, StageTriggered)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for ordered -> triggered, got %v", err)
	}
}

func TestCheckTransitionRejectsSelf(t *testing.T) {
	err := CheckTransition(StageTriggered, StageTriggered)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for triggered -> triggered, got %v", err)
	}
}

func TestCheckTransitionUnknownStage(t *testing.T) {
	err := CheckTransition(StageCreated, Stage("archived"))
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for unknown stage, got %v", err)
	}
}

func TestStageTerminal(t *testing.T) {
	if StageReceived.Terminal() {
		t.Fatal("received is not terminal")
	}
	if !StageRestocked.Terminal() {
		t.Fatal("restocked is terminal")
	}
}

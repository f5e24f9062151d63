package signal

import (
	"encoding/json"
	"testing"

	"marketfabric.io/core/internal/model"
)

type fakeStrategy struct{}

func (fakeStrategy) Type() string { return "fake" }
func (fakeStrategy) Evaluate(Window) (model.SignalValue, string) {
	return model.SignalNone, ""
}

func TestRegisterAndGet(t *testing.T) {
	d := Descriptor{
		Type: "fake_registry_test",
		Name: "Fake",
		New:  func(json.RawMessage) (Strategy, error) { return fakeStrategy{}, nil },
	}
	Register(d)

	got, ok := Get("fake_registry_test")
	if !ok {
		t.Fatal("expected registered descriptor to be found")
	}
	if got.Name != "Fake" {
		t.Errorf("Name = %q, want Fake", got.Name)
	}
}

func TestGetUnknownType(t *testing.T) {
	if _, ok := Get("does_not_exist"); ok {
		t.Fatal("expected ok=false for an unregistered strategy type")
	}
}

func TestAllIncludesRegistered(t *testing.T) {
	Register(Descriptor{Type: "fake_registry_all_test", Name: "Fake2"})
	found := false
	for _, d := range All() {
		if d.Type == "fake_registry_all_test" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected All() to include a freshly registered descriptor")
	}
}

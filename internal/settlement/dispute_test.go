package settlement

import "testing"

type fakeStakeChecker struct {
	staked map[string]bool
}

func (f *fakeStakeChecker) HasStake(pubKey []byte) (bool, error) {
	return f.staked[string(pubKey)], nil
}

func TestStakeGatedResolver_CanDispute(t *testing.T) {
	staked := []byte("validator-a")
	unstaked := []byte("validator-b")
	resolver := NewStakeGatedResolver(&fakeStakeChecker{staked: map[string]bool{string(staked): true}})

	ok, err := resolver.CanDispute(staked)
	if err != nil || !ok {
		t.Fatalf("CanDispute(staked) = %v, %v, want true, nil", ok, err)
	}

	ok, err = resolver.CanDispute(unstaked)
	if err != nil || ok {
		t.Fatalf("CanDispute(unstaked) = %v, %v, want false, nil", ok, err)
	}
}

func TestStakeGatedResolver_Resolve(t *testing.T) {
	resolver := NewStakeGatedResolver(&fakeStakeChecker{})
	ok, err := resolver.Resolve(&Dispute{}, &Batch{})
	if err != nil || !ok {
		t.Fatalf("Resolve = %v, %v, want true, nil", ok, err)
	}
}

func TestAcceptAfterWindowResolver(t *testing.T) {
	var r AcceptAfterWindowResolver
	ok, err := r.CanDispute(nil)
	if err != nil || !ok {
		t.Fatalf("CanDispute = %v, %v, want true, nil", ok, err)
	}
	upheld, err := r.Resolve(&Dispute{}, &Batch{})
	if err != nil || upheld {
		t.Fatalf("Resolve = %v, %v, want false, nil", upheld, err)
	}
}

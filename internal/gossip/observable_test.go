package gossip

import (
	"testing"
)

func TestObservableTxMap_FiresSynchronously(t *testing.T) {
	o := NewObservableTxMap()

	var gotOld, gotNew TxMap
	fired := 0
	o.Observe(func(old, new TxMap) {
		gotOld, gotNew = old, new
		fired++
	})

	next := TxMap{"aa": {TxID: "aa", Data: "0102"}}
	o.Set(next)

	if fired != 1 {
		t.Fatalf("listener fired %d times, want 1", fired)
	}
	if len(gotOld) != 0 {
		t.Errorf("old snapshot not empty")
	}
	if _, ok := gotNew["aa"]; !ok {
		t.Errorf("new snapshot missing committed entry")
	}
	if len(o.Get()) != 1 {
		t.Errorf("value not committed")
	}
}

func TestTxMap_CopyIsDetached(t *testing.T) {
	m := TxMap{"aa": {TxID: "aa"}}
	c := m.Copy()
	c["bb"] = &TxTemplate{TxID: "bb"}
	if len(m) != 1 {
		t.Fatalf("copy mutated the source")
	}
}

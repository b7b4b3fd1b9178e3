package gossip

// TxMap is an immutable-by-convention snapshot of transaction templates
// keyed by their identity key. Mutations go through copies committed via
// ObservableTxMap.Set.
type TxMap map[string]*TxTemplate

// Copy returns a shallow copy suitable for building a new snapshot.
func (m TxMap) Copy() TxMap {
	out := make(TxMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the map's keys.
func (m TxMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// ObservableTxMap holds a TxMap and notifies listeners synchronously on
// assignment: all listeners complete before Set returns, so a commit's
// diff broadcast finishes before the committing operation proceeds.
type ObservableTxMap struct {
	value     TxMap
	listeners []func(old, new TxMap)
}

// NewObservableTxMap creates an observable holding an empty map.
func NewObservableTxMap() *ObservableTxMap {
	return &ObservableTxMap{value: make(TxMap)}
}

// Get returns the current snapshot. Callers must not mutate it.
func (o *ObservableTxMap) Get() TxMap {
	return o.value
}

// Set commits a new snapshot and fires every listener with the old and
// new values before returning.
func (o *ObservableTxMap) Set(new TxMap) {
	old := o.value
	o.value = new
	for _, l := range o.listeners {
		l(old, new)
	}
}

// Observe registers a change listener.
func (o *ObservableTxMap) Observe(fn func(old, new TxMap)) {
	o.listeners = append(o.listeners, fn)
}

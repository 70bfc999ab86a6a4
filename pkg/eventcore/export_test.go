package eventcore

// ObserverCount exposes the number of live observers to tests.
func ObserverCount(b *Bus) int {
	return b.observerCount()
}

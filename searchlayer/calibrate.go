package searchlayer

// CalibrateContext is one unit of deferred tower surgery: a node that is
// already linked (and searchable) at level 0.
type CalibrateContext struct {
	Level int
	Node  *Node
}

// Calibrator consumes the calibration queue until the channel closes.
// Exactly one calibrator runs per skip list.
func (sl *SkipList) Calibrator(workCh <-chan *CalibrateContext) {
	for cc := range workCh {
		sl.Calibrate(cc.Node, cc.Level)
	}
}

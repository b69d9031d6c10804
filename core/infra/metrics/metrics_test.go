package metrics

import "testing"

func TestNoopImplementsMetrics(t *testing.T) {
	var m Metrics = Noop{}
	m.IncArtifacts("success")
	m.IncBatches("timeout")
	m.AddBytesWritten("hot", 1024)
	m.IncShardSealed("hot")
	m.IncMigrations("hot", "warm", "success")
	m.IncBackupDispatched("dc2", "failed")
	m.IncOrphansQuarantined()
	m.ObserveBatchDuration(1.5)
}

func TestPromRegistersOnce(t *testing.T) {
	p := NewProm("stampmint_test")
	var m Metrics = p
	m.IncArtifacts("success")
	m.AddBytesWritten("warm", 42)
	m.ObserveBatchDuration(0.25)
	// A second register call must not panic.
	p.register()
}

func TestHandlerNotNil(t *testing.T) {
	if Handler() == nil {
		t.Fatal("expected metrics handler")
	}
}

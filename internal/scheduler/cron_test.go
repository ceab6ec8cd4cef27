package scheduler

import (
	"testing"
	"time"
)

func TestCronAddJob(t *testing.T) {
	c := NewCron()
	defer c.Stop()
	// Should add a valid cron job without error
	if err := c.AddJob("0 3 * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := c.AddJob("@every 1h", func() {}); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
	if err := c.AddJob("not a cron expression", func() {}); err == nil {
		t.Error("Expected error for an invalid expression")
	}
}

func TestCronRunsJob(t *testing.T) {
	c := NewCron()
	defer c.Stop()
	ran := make(chan struct{}, 1)
	if err := c.AddJob("@every 1s", func() {
		select {
		case ran <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}

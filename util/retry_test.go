package util

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestRetrierMaxTries(t *testing.T) {
	r := NewRetrier()
	r.InitialInterval = time.Millisecond
	r.MaxElapsedTime = 0
	r.MaxTries = 3
	bg := context.Background()

	i := 0
	err := r.Retry(bg, func() error {
		i++
		return fmt.Errorf("always error")
	})
	if err == nil {
		t.Error("expected error after exhausting tries")
	}
	if i != 3 {
		t.Error("unexpected number of tries", i)
	}
}

func TestRetrierPermanent(t *testing.T) {
	r := NewRetrier()
	r.InitialInterval = time.Millisecond
	r.MaxTries = 10
	r.ShouldRetry = func(err error) bool {
		return false
	}

	i := 0
	r.Retry(context.Background(), func() error {
		i++
		return fmt.Errorf("fatal")
	})
	if i != 1 {
		t.Error("permanent error was retried", i)
	}
}

func TestTickerFiresImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tick := Ticker(ctx, time.Minute)
	select {
	case <-tick:
	case <-time.After(time.Second):
		t.Error("first tick was not immediate")
	}
}

//go:build integration

package test

import (
	"testing"
)

func TestPublisher(t *testing.T) {
	conf := getConfig(t)

	RunTestSuite(t, conf)
}

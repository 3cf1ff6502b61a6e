package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindUserConfig(t *testing.T) {
	t.Setenv("SOFTHCD_CONFIG", "/env/run.toml")

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"run", "--config=/a/run.yaml"}, "/a/run.yaml"},
		{[]string{"--config", "/b/run.json", "run"}, "/b/run.json"},
		{[]string{"run", "--config"}, "/env/run.toml"},
		{[]string{"run"}, "/env/run.toml"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, findUserConfig(tt.args), "args %v", tt.args)
	}
}

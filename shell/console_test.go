package shell

import (
	"testing"

	"github.com/cpu/acmealpn/shell/commands"
	"github.com/stretchr/testify/assert"
)

func TestCommandsRegistered(t *testing.T) {
	assert.Equal(t, []string{"domains", "events", "query", "renew", "status"}, commands.Registered())
	assert.Equal(t, "acmealpn console, commands: domains, events, query, renew, status (type help for usage)", Banner())
}

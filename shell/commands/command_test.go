package commands

import (
	"testing"

	"github.com/cpu/acmealpn/resolver"
	"github.com/cpu/acmealpn/scheduler"
	"github.com/stretchr/testify/assert"
)

type values map[string]interface{}

func (v values) Get(k string) interface{} { return v[k] }

type stubScheduler struct{ states []scheduler.RenewalState }

func (s stubScheduler) States() []scheduler.RenewalState { return s.states }
func (stubScheduler) RenewNow(string) error { return nil }
func (stubScheduler) Subscribe(int) (<-chan scheduler.Event, func()) {
	return nil, func() {}
}

func TestGetters(t *testing.T) {
	s := stubScheduler{}
	r := resolver.New()
	ctx := values{SchedulerKey: s, ResolverKey: r}

	assert.Equal(t, s, GetScheduler(ctx))
	assert.Same(t, r, GetResolver(ctx))

	assert.Panics(t, func() { GetScheduler(values{}) })
	assert.Panics(t, func() { GetResolver(values{ResolverKey: "not a resolver"}) })
}

func TestDomainAutocompleter(t *testing.T) {
	s := stubScheduler{states: []scheduler.RenewalState{{Domain: "a.example.com"}, {Domain: "b.example.com"}}}
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, DomainAutocompleter(s)(nil))
}

package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerge_OrderAndExpansion(t *testing.T) {
	e := New().WithBase([]string{"HOME=/home/u", "A=base", "bogus"})
	e.WithSet("A", "override").WithSet("B", "${HOME}/b")
	out := e.Merge([]string{"C=${A}-${MISSING}", "=skip"})
	assert.Equal(t, []string{
		"A=override",
		"B=/home/u/b",
		"C=override-${MISSING}",
		"HOME=/home/u",
	}, out)
}

func TestMerge_ExtraWins(t *testing.T) {
	e := New().WithBase(nil).WithSet("K", "global")
	assert.Equal(t, []string{"K=launch"}, e.Merge([]string{"K=launch"}))
}

func TestPrependPath(t *testing.T) {
	e := New().WithBase([]string{"PATH=/usr/bin:/bin"})
	got := e.PrependPath("/data/node/bin", ":")
	assert.Equal(t, "/data/node/bin:/usr/bin:/bin", got)
	v, ok := e.Lookup("PATH")
	assert.True(t, ok)
	assert.Equal(t, got, v)
}

func TestPrependPath_BlankExisting(t *testing.T) {
	e := New().WithBase([]string{"Path=  "})
	assert.Equal(t, "Path", e.PathKey())
	assert.Equal(t, `C:\gk\node`, e.PrependPath(`C:\gk\node`, ";"))
}

func TestFromList(t *testing.T) {
	m := FromList([]string{"A=1", "A=2", "B=", "noeq"})
	assert.Equal(t, Var{"A": "2", "B": ""}, m)
}

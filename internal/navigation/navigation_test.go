package navigation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPublic(t *testing.T) {
	assert.True(t, IsPublic(PathLogin))
	assert.True(t, IsPublic(PathAuthSuccess))
	assert.True(t, IsPublic(PathAuthError))
	assert.False(t, IsPublic(PathSessions))
	assert.False(t, IsPublic("/sessions/abc"))
}

func TestRouterNavigate(t *testing.T) {
	r := NewRouter(PathHome)
	var seen []Entry
	r.OnChange(func(e Entry) { seen = append(seen, e) })

	r.Navigate(PathLogin, "/sessions/42")
	r.Navigate(PathSessions, "")

	assert.Equal(t, PathSessions, r.Current())
	assert.Equal(t, []Entry{{Path: PathLogin, From: "/sessions/42"}, {Path: PathSessions}}, r.History())
	assert.Equal(t, r.History(), seen)

	last, ok := r.Last()
	assert.True(t, ok)
	assert.Equal(t, PathSessions, last.Path)
}

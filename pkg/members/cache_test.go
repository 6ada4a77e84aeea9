package members

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	members map[int64]*Member
	gets    int
}

func (s *countingSource) ListActiveBillableMembers(ctx context.Context, roles []Role) ([]*Member, error) {
	var out []*Member
	for _, m := range s.members {
		out = append(out, m)
	}
	return out, nil
}

func (s *countingSource) GetMember(ctx context.Context, id int64) (*Member, error) {
	s.gets++
	m, ok := s.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func TestCachedDirectory(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{members: map[int64]*Member{
		1: {ID: 1, FullName: "Ana Torres", Role: RolePlayer, Active: true},
	}}
	dir := NewCachedDirectory(src, 10, time.Minute)

	m, err := dir.GetMember(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Ana Torres", m.FullName)

	_, err = dir.GetMember(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, src.gets, "second lookup should hit the cache")

	dir.Invalidate(1)
	_, err = dir.GetMember(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, src.gets)

	_, err = dir.GetMember(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedDirectory_ListWarmsCache(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{members: map[int64]*Member{
		3: {ID: 3, FullName: "Iker Sanz", Role: RoleCoach, Active: true},
	}}
	dir := NewCachedDirectory(src, 0, 0)

	list, err := dir.ListActiveBillableMembers(ctx, []Role{RoleCoach})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = dir.GetMember(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, src.gets)
}

package pickup

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	codes     map[int64]string
	taken     map[string]bool
	collideN  int // report the first N uniqueness checks as collisions
	takenCnt  int
	savedCnt  int
	failExist bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{codes: map[int64]string{}, taken: map[string]bool{}}
}

func (f *fakeStore) ExistingCode(_ context.Context, id int64) (*string, error) {
	if c, ok := f.codes[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (f *fakeStore) CodeTaken(_ context.Context, code string) (bool, error) {
	f.takenCnt++
	if f.collideN > 0 {
		f.collideN--
		return true, nil
	}
	return f.taken[code], nil
}

func (f *fakeStore) SaveCode(_ context.Context, id int64, code string) error {
	f.codes[id] = code
	f.taken[code] = true
	f.savedCnt++
	return nil
}

func testIssuer() *Issuer {
	log := zerolog.Nop()
	return NewIssuer(&log)
}

func TestNewCodeShape(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := NewCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			require.Contains(t, codeAlphabet, string(r))
		}
	}
}

func TestAssignManyDistinct(t *testing.T) {
	s := newFakeStore()
	issuer := testIssuer()

	seen := map[string]struct{}{}
	for id := int64(1); id <= 100; id++ {
		code, err := issuer.Assign(context.Background(), s, id)
		require.NoError(t, err)
		require.NotNil(t, code)
		_, dup := seen[*code]
		require.False(t, dup, "duplicate code %s", *code)
		seen[*code] = struct{}{}
	}
	require.Len(t, seen, 100)
}

func TestAssignRetriesOnCollision(t *testing.T) {
	s := newFakeStore()
	s.collideN = 1
	issuer := testIssuer()

	code, err := issuer.Assign(context.Background(), s, 7)
	require.NoError(t, err)
	require.NotNil(t, code)
	require.Equal(t, 2, s.takenCnt)
	require.Equal(t, 1, s.savedCnt)
}

func TestAssignIdempotent(t *testing.T) {
	s := newFakeStore()
	issuer := testIssuer()

	first, err := issuer.Assign(context.Background(), s, 7)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := issuer.Assign(context.Background(), s, 7)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, *first, *second)
	require.Equal(t, 1, s.savedCnt)
}

func TestAssignExhaustsBound(t *testing.T) {
	s := newFakeStore()
	s.collideN = maxAttempts
	issuer := testIssuer()

	code, err := issuer.Assign(context.Background(), s, 7)
	require.NoError(t, err)
	require.Nil(t, code)
	require.Equal(t, 0, s.savedCnt)
}

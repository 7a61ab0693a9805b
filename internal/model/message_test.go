// Copyright 2025 James Ross
package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLockTokenIsUniqueAndHex(t *testing.T) {
	a := NewLockToken()
	b := NewLockToken()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}

func TestNewMessageIDIsTimeSortable(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, a[:12], b[:12])
}

func TestEffectiveMaxAttemptsPrefersOverride(t *testing.T) {
	m := Message{MaxAttempts: 5}
	assert.Equal(t, 5, m.EffectiveMaxAttempts(3, 1))

	m2 := Message{}
	assert.Equal(t, 3, m2.EffectiveMaxAttempts(3, 1))
	assert.Equal(t, 1, m2.EffectiveMaxAttempts(0, 1))
}

func TestEffectiveAckTimeoutPrefersOverride(t *testing.T) {
	m := Message{AckTimeoutSecs: 45}
	assert.Equal(t, 45, m.EffectiveAckTimeoutSeconds(30, 10))

	m2 := Message{}
	assert.Equal(t, 30, m2.EffectiveAckTimeoutSeconds(30, 10))
	assert.Equal(t, 10, m2.EffectiveAckTimeoutSeconds(0, 10))
}

func TestErrorKindOf(t *testing.T) {
	err := LockLost("token mismatch")
	assert.Equal(t, KindLockLost, KindOf(err))

	plain := assert.AnError
	assert.Equal(t, KindStoreFailure, KindOf(plain))
}

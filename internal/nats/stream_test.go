package nats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionSubject_IsSingleToken(t *testing.T) {
	for _, id := range []string{"chat-1", "a.b.c", "*", ">", "with space"} {
		subject := SessionSubject(id)
		parts := strings.Split(subject, ".")
		assert.Len(t, parts, 3, subject)
		assert.Equal(t, SubjectPrefix, parts[0])
		assert.NotContains(t, parts[1], "*")
		assert.NotContains(t, parts[1], ">")
		assert.NotContains(t, parts[1], " ")
	}
}

func TestSubjectToken_Distinct(t *testing.T) {
	assert.NotEqual(t, SubjectToken("a.b"), SubjectToken("a_b"))
	assert.Equal(t, SubjectToken("chat-1"), SubjectToken("chat-1"))
}

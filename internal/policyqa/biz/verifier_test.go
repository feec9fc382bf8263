package biz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyAnswerAccepted(t *testing.T) {
	v := VerifyAnswer("Laptops must use full-disk encryption [doc1]. Keys rotate yearly [doc2][doc1].", []string{"doc1", "doc2", "doc3"})

	assert.Equal(t, VerdictAccepted, v.Status)
	assert.Equal(t, []string{"doc1", "doc2"}, v.Citations)
}

func TestVerifyAnswerRefusal(t *testing.T) {
	v := VerifyAnswer(RefusalMessage, []string{"doc1"})
	assert.Equal(t, VerdictRefused, v.Status)
	assert.Empty(t, v.Citations)
}

func TestVerifyAnswerRefusalCaseInsensitive(t *testing.T) {
	v := VerifyAnswer("I Cannot Find that in the policies available to you.", []string{"doc1"})
	assert.Equal(t, VerdictRefused, v.Status)
}

func TestVerifyAnswerUngrounded(t *testing.T) {
	v := VerifyAnswer("All passwords must be rotated every 90 days.", []string{"doc1"})
	assert.Equal(t, VerdictUngrounded, v.Status)
}

func TestVerifyAnswerRejectsTagOutsideContext(t *testing.T) {
	// The context held two excerpts; a citation of a tag the model
	// invented must not ground the answer.
	v := VerifyAnswer("Passwords rotate every 30 days [doc9].", []string{"doc1", "doc2"})
	assert.Equal(t, VerdictUngrounded, v.Status)
	assert.Empty(t, v.Citations)
}

func TestVerifyAnswerDropsInventedTagKeepsValid(t *testing.T) {
	v := VerifyAnswer("Rotation is quarterly [doc1], see also [doc7].", []string{"doc1", "doc2"})
	assert.Equal(t, VerdictAccepted, v.Status)
	assert.Equal(t, []string{"doc1"}, v.Citations)
}

func TestVerifyAnswerIgnoresMalformedTags(t *testing.T) {
	v := VerifyAnswer("See [docx] and [document 3] for details.", []string{"doc1"})
	assert.Equal(t, VerdictUngrounded, v.Status)
}

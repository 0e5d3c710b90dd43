package sipengine

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestInvite(t *testing.T) *sip.Request {
	t.Helper()

	invite := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "far.example.com"})
	callID := sip.CallIDHeader("test-call-id-1")
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "near.example.com"},
		Params:  sip.HeaderParams{"tag": "local-tag"},
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: "bob", Host: "far.example.com"},
		Params:  sip.NewParams(),
	})
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "alice", Host: "10.0.0.1", Port: 5060},
	})
	return invite
}

func TestBuildAckRequestFor2xx(t *testing.T) {
	invite := buildTestInvite(t)

	res := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
	res.To().Params = sip.HeaderParams{"tag": "remote-tag"}
	res.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "bob", Host: "192.0.2.5", Port: 5070},
	})

	ack := buildAckRequest(invite, res)

	assert.Equal(t, sip.ACK, ack.Method)
	// запрос уходит на Contact из ответа, не на исходный Request-URI
	assert.Equal(t, "192.0.2.5", ack.Recipient.Host)
	assert.Equal(t, 5070, ack.Recipient.Port)

	require.NotNil(t, ack.CallID())
	assert.Equal(t, "test-call-id-1", ack.CallID().Value())

	require.NotNil(t, ack.From())
	assert.Equal(t, "local-tag", ack.From().Params["tag"])

	require.NotNil(t, ack.To())
	assert.Equal(t, "remote-tag", ack.To().Params["tag"])

	require.NotNil(t, ack.CSeq())
	assert.Equal(t, uint32(7), ack.CSeq().SeqNo)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
}

func TestBuildAckRequestWithoutContactFallsBackToRequestURI(t *testing.T) {
	invite := buildTestInvite(t)

	res := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
	res.To().Params = sip.HeaderParams{"tag": "remote-tag"}

	ack := buildAckRequest(invite, res)

	assert.Equal(t, "far.example.com", ack.Recipient.Host)
	assert.Equal(t, "bob", ack.Recipient.User)
}

func TestBuildAckRequestDoesNotMutateInviteCSeq(t *testing.T) {
	invite := buildTestInvite(t)
	res := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)

	_ = buildAckRequest(invite, res)

	assert.Equal(t, sip.INVITE, invite.CSeq().MethodName)
	assert.Equal(t, uint32(7), invite.CSeq().SeqNo)
}

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threadWith(messages ...Message) *Conversation {
	return &Conversation{OrderID: "O1", Messages: messages, IsActive: true}
}

func TestUnreadCountCountsOppositePartyOnly(t *testing.T) {
	c := threadWith(
		Message{Sender: PartyCustomer, IsRead: false},
		Message{Sender: PartyCustomer, IsRead: true},
		Message{Sender: PartyCustomer, IsRead: false},
		Message{Sender: PartyAdmin, IsRead: false},
	)

	assert.Equal(t, 2, c.UnreadCount(PartyAdmin))
	assert.Equal(t, 1, c.UnreadCount(PartyCustomer))
}

func TestMarkReadByLeavesOwnMessagesUntouched(t *testing.T) {
	c := threadWith(
		Message{ID: "m1", Sender: PartyCustomer, IsRead: true},
		Message{ID: "m2", Sender: PartyCustomer},
		Message{ID: "m3", Sender: PartyCustomer},
		Message{ID: "m4", Sender: PartyAdmin},
	)

	marked := c.MarkReadBy(PartyAdmin)

	assert.Equal(t, 2, marked)
	assert.Equal(t, 0, c.UnreadCount(PartyAdmin))
	assert.False(t, c.Messages[3].IsRead)
	assert.Equal(t, 0, c.MarkReadBy(PartyAdmin))
}

func TestPartyOpposite(t *testing.T) {
	assert.Equal(t, PartyCustomer, PartyAdmin.Opposite())
	assert.Equal(t, PartyAdmin, PartyCustomer.Opposite())
	assert.Panics(t, func() { Party("staff").Opposite() })
}

func TestParseEnums(t *testing.T) {
	p, err := ParseParty("admin")
	require.NoError(t, err)
	assert.Equal(t, PartyAdmin, p)

	_, err = ParseParty("system")
	assert.Error(t, err)

	s, err := ParseOrderStatus("quote_needed")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusQuoteNeeded, s)

	_, err = ParseOrderStatus("archived")
	assert.Error(t, err)
	assert.False(t, OrderStatus("archived").IsValid())

	_, err = ParsePricingType("tiered")
	assert.Error(t, err)

	_, err = ParsePresenceStatus("busy")
	assert.Error(t, err)
}

func TestRequiresQuote(t *testing.T) {
	assert.True(t, (&Order{HasCustomItems: true, Status: OrderStatusConfirmed}).RequiresQuote())
	assert.True(t, (&Order{Status: OrderStatusQuoteNeeded}).RequiresQuote())
	assert.False(t, (&Order{Status: OrderStatusPending}).RequiresQuote())
}

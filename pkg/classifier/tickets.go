package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/sirupsen/logrus"
)

// TicketResult holds the partial outcome of a ticket operation. Updated
// lists the node ids whose issue changed, in input order.
type TicketResult struct {
	Updated []string
	Errors  []ItemError
}

// LinkTickets attaches tickets to the issue of every given leaf. Tickets
// already linked by id are left untouched.
func (c *Classifier) LinkTickets(
	ctx context.Context, nodeIDs []string, tickets []model.Ticket, actor string,
) (TicketResult, error) {
	clean := make([]model.Ticket, 0, len(tickets))

	for _, t := range tickets {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			return TicketResult{}, fmt.Errorf("ticket id is required")
		}

		clean = append(clean, t)
	}

	return c.updateTickets(ctx, nodeIDs, model.ActionLinkTickets, actor, func(issue *model.Issue) bool {
		changed := false

		for _, t := range clean {
			if hasTicket(issue.Tickets, t.ID) {
				continue
			}

			issue.Tickets = append(issue.Tickets, t)
			changed = true
		}

		return changed
	}), nil
}

// UnlinkTickets removes the tickets with the given ids from the issue of
// every given leaf.
func (c *Classifier) UnlinkTickets(
	ctx context.Context, nodeIDs []string, ticketIDs []string, actor string,
) (TicketResult, error) {
	drop := make(map[string]struct{}, len(ticketIDs))

	for _, id := range ticketIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return TicketResult{}, fmt.Errorf("ticket id is required")
		}

		drop[id] = struct{}{}
	}

	return c.updateTickets(ctx, nodeIDs, model.ActionUnlinkTickets, actor, func(issue *model.Issue) bool {
		kept := issue.Tickets[:0]

		for _, t := range issue.Tickets {
			if _, ok := drop[t.ID]; !ok {
				kept = append(kept, t)
			}
		}

		changed := len(kept) != len(issue.Tickets)
		issue.Tickets = kept

		if len(issue.Tickets) == 0 {
			issue.Tickets = nil
		}

		return changed
	}), nil
}

func (c *Classifier) updateTickets(
	ctx context.Context,
	nodeIDs []string,
	action, actor string,
	apply func(issue *model.Issue) bool,
) TicketResult {
	changed := make([]bool, len(nodeIDs))
	errs := make([]error, len(nodeIDs))

	c.forEach(ctx, len(nodeIDs), func(ctx context.Context, i int) {
		changed[i], errs[i] = c.updateNodeTickets(ctx, nodeIDs[i], action, actor, apply)
	})

	var out TicketResult

	for i, id := range nodeIDs {
		switch {
		case errs[i] != nil:
			out.Errors = append(out.Errors, ItemError{NodeID: id, Err: errs[i]})
		case changed[i]:
			out.Updated = append(out.Updated, id)
		}
	}

	c.log.WithFields(logrus.Fields{
		"action":  action,
		"updated": len(out.Updated),
		"failed":  len(out.Errors),
	}).Debug("Updated tickets")

	return out
}

func (c *Classifier) updateNodeTickets(
	ctx context.Context,
	id, action, actor string,
	apply func(issue *model.Issue) bool,
) (bool, error) {
	var before, after *model.Issue

	n, err := c.agg.Mutate(ctx, id, func(n *model.Node) (bool, error) {
		before, after = nil, nil

		if err := checkTarget(n); err != nil {
			return false, err
		}

		if n.Issue == nil {
			return false, &model.InvalidTargetError{ID: n.ID, Reason: "node has no issue"}
		}

		before = n.Issue.Clone()
		issue := n.Issue.Clone()

		if !apply(issue) {
			return false, nil
		}

		n.Issue = issue
		after = issue.Clone()

		return true, nil
	})
	if err != nil {
		return false, err
	}

	if after == nil {
		return false, nil
	}

	c.publish(n, action, actor, before.Tickets, after.Tickets)

	return true, nil
}

func hasTicket(tickets []model.Ticket, id string) bool {
	for _, t := range tickets {
		if t.ID == id {
			return true
		}
	}

	return false
}

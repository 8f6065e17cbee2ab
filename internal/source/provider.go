package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

// Provider builds a relaysync.SourceReader per instance.
type Provider struct {
	decrypter TokenDecrypter
	opts      ClientOptions
}

func NewProvider(decrypter TokenDecrypter, opts ClientOptions) *Provider {
	if decrypter == nil {
		decrypter = Plaintext{}
	}
	return &Provider{decrypter: decrypter, opts: opts}
}

func (p *Provider) Reader(_ context.Context, instance relaysync.Instance) (relaysync.SourceReader, error) {
	client, err := p.Client(instance)
	if err != nil {
		return nil, err
	}
	return &reader{client: client}, nil
}

// Client returns the raw API client for an instance, for write and hook operations.
func (p *Provider) Client(instance relaysync.Instance) (*Client, error) {
	if strings.TrimSpace(instance.BaseURL) == "" {
		return nil, fmt.Errorf("%w: instance %q has no base url", relaysync.ErrInvalidInput, instance.ID)
	}
	token, err := p.decrypter.Decrypt(instance.TokenCiphertext)
	if err != nil {
		return nil, relaysync.Permanent(fmt.Errorf("instance %q token: %w", instance.ID, err))
	}
	opts := p.opts
	if opts.Logger != nil {
		opts.Logger = opts.Logger.WithField("instance_id", instance.ID)
	}
	return NewClient(instance.BaseURL, token, opts), nil
}

type reader struct {
	client *Client
}

func listParams(opts relaysync.ListOptions) ListParams {
	return ListParams{UpdatedAfter: opts.UpdatedAfter, UpdatedBefore: opts.UpdatedBefore}
}

func (r *reader) ListTickets(ctx context.Context, projectID int64, opts relaysync.ListOptions) ([]relaysync.Ticket, error) {
	issues, err := r.client.ListIssues(ctx, projectID, listParams(opts))
	if err != nil {
		return nil, err
	}
	out := make([]relaysync.Ticket, 0, len(issues))
	for _, issue := range issues {
		out = append(out, relaysync.Ticket{
			ExternalIID:       issue.IID,
			Title:             issue.Title,
			Description:       issue.Description,
			State:             relaysync.MapTicketState(issue.State, issue.Labels),
			Labels:            issue.Labels,
			ExternalUpdatedAt: issue.UpdatedAt.UTC(),
		})
	}
	return out, nil
}

func (r *reader) ListChangeRequests(ctx context.Context, projectID int64, opts relaysync.ListOptions) ([]relaysync.ChangeRequest, error) {
	mrs, err := r.client.ListMergeRequests(ctx, projectID, listParams(opts))
	if err != nil {
		return nil, err
	}
	out := make([]relaysync.ChangeRequest, 0, len(mrs))
	for _, mr := range mrs {
		out = append(out, relaysync.ChangeRequest{
			ExternalIID:       mr.IID,
			Title:             mr.Title,
			Description:       mr.Description,
			State:             relaysync.MapChangeRequestState("", mr.State),
			SourceBranch:      mr.SourceBranch,
			TargetBranch:      mr.TargetBranch,
			ExternalUpdatedAt: mr.UpdatedAt.UTC(),
		})
	}
	return out, nil
}

func (r *reader) ListPipelines(ctx context.Context, projectID int64, opts relaysync.ListOptions) ([]relaysync.Pipeline, error) {
	pipelines, err := r.client.ListPipelines(ctx, projectID, listParams(opts))
	if err != nil {
		return nil, err
	}
	out := make([]relaysync.Pipeline, 0, len(pipelines))
	for _, p := range pipelines {
		updated := p.UpdatedAt
		if updated.IsZero() {
			updated = p.CreatedAt
		}
		out = append(out, relaysync.Pipeline{
			ExternalID:        p.ID,
			Ref:               p.Ref,
			SHA:               p.SHA,
			Status:            p.Status,
			ExternalUpdatedAt: updated.UTC(),
		})
	}
	return out, nil
}

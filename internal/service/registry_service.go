package service

import (
	"context"
	"time"

	"backend/internal/model"
	"backend/internal/repository"
)

type RepositoryResponse struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	RepoName  string `json:"repo_name"`
	RepoURL   string `json:"repo_url"`
	AddedBy   string `json:"added_by"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
}

// RegistryService exposes the registered-repositories view consumed by the
// document-sync feature.
type RegistryService interface {
	ListRepositories(ctx context.Context, page, limit int) ([]RepositoryResponse, int64, error)
}

type registryService struct {
	repo repository.RegistryRepository
}

func NewRegistryService(repo repository.RegistryRepository) RegistryService {
	return &registryService{repo: repo}
}

func (s *registryService) ListRepositories(ctx context.Context, page, limit int) ([]RepositoryResponse, int64, error) {
	repos, total, err := s.repo.ListActive(ctx, page, limit)
	if err != nil {
		return nil, 0, err
	}

	result := make([]RepositoryResponse, 0, len(repos))
	for _, r := range repos {
		result = append(result, toRepositoryResponse(r))
	}
	return result, total, nil
}

func toRepositoryResponse(r model.Repository) RepositoryResponse {
	return RepositoryResponse{
		ID:        r.ID.String(),
		Owner:     r.Owner,
		RepoName:  r.RepoName,
		RepoURL:   r.RepoURL,
		AddedBy:   r.AddedBy.String(),
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
}

package memory_test

import (
	"testing"

	"github.com/tendant/content-vault/pkg/vault"
	"github.com/tendant/content-vault/pkg/vault/repo/memory"
	"github.com/tendant/content-vault/pkg/vault/repo/repotest"
)

func TestMemoryRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) vault.Repository {
		return memory.New()
	})
}

package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestEntityRef_String(t *testing.T) {
	id := uuid.MustParse("083d09d4-7ed3-4100-b021-8fbe30dd43e8")
	ref := EntityRef{Type: EntityTypePlayer, ID: id}
	assert.Equal(t, "player 083d09d4-7ed3-4100-b021-8fbe30dd43e8", ref.String())
}

func TestVersion_Live(t *testing.T) {
	v := Version{StartTime: time.Now()}
	assert.True(t, v.Live())

	reason := "ruled out"
	v.Terminated = &reason
	assert.False(t, v.Live())
}

func TestEntityTypes_Order(t *testing.T) {
	assert.Equal(t, []EntityType{EntityTypeSim, EntityTypeTeam, EntityTypePlayer, EntityTypeGame}, EntityTypes)
}

package guild_test

import (
	"context"
	"testing"

	"github.com/guildforge/server/config"
	"github.com/guildforge/server/guild"
	"github.com/guildforge/server/model"
	"github.com/guildforge/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*guild.Service, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	svc := guild.NewService(db, config.GuildConfig{}, zap.NewNop())
	return svc, db
}

func createUser(t *testing.T, db *gorm.DB, username string) int64 {
	t.Helper()
	u := &model.User{Username: username, PasswordHash: "x", Status: 1}
	require.NoError(t, db.Create(u).Error)
	return u.ID
}

// ---- Create ----

func TestCreate_DerivesSlugAndBootstrapsOwner(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, db, "owner")

	g, err := svc.Create(ctx, guild.CreateParams{Name: "My Cool Guild!!", OwnerID: owner})
	require.NoError(t, err)
	assert.Equal(t, "my-cool-guild", g.Slug)
	assert.Equal(t, 1, g.MemberCount)

	var members []model.GuildMembership
	require.NoError(t, db.Where("guild_id = ?", g.ID).Find(&members).Error)
	require.Len(t, members, 1)
	assert.Equal(t, owner, members[0].UserID)
	assert.Equal(t, model.RoleOwner, members[0].Role)
	assert.Equal(t, model.StatusApproved, members[0].Status)
	assert.NotNil(t, members[0].JoinedAt)
}

func TestCreate_ExplicitSlug(t *testing.T) {
	svc, db := newTestService(t)
	owner := createUser(t, db, "owner")

	g, err := svc.Create(context.Background(), guild.CreateParams{
		Name: "Whatever", Slug: "custom-slug", OwnerID: owner,
	})
	require.NoError(t, err)
	assert.Equal(t, "custom-slug", g.Slug)
}

func TestCreate_SlugConflict(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, db, "owner")

	_, err := svc.Create(ctx, guild.CreateParams{Name: "Dup Guild", OwnerID: owner})
	require.NoError(t, err)

	_, err = svc.Create(ctx, guild.CreateParams{Name: "Dup Guild", OwnerID: owner})
	assert.ErrorIs(t, err, guild.ErrConflict)
}

func TestCreate_NormalizesSettings(t *testing.T) {
	svc, db := newTestService(t)
	owner := createUser(t, db, "owner")

	g, err := svc.Create(context.Background(), guild.CreateParams{
		Name:     "Settings Guild",
		Settings: map[string]interface{}{"visibility": "private"},
		OwnerID:  owner,
	})
	require.NoError(t, err)

	detail, err := svc.Get(context.Background(), g.ID)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"visibility":"private","requireApproval":false,"discoverable":true,"maxMembers":null}`,
		string(detail.Guild.Settings))
}

func TestCreate_InvalidSettingsRejectedBeforeWrite(t *testing.T) {
	svc, db := newTestService(t)
	owner := createUser(t, db, "owner")

	_, err := svc.Create(context.Background(), guild.CreateParams{
		Name:     "Bad Settings",
		Settings: map[string]interface{}{"maxMembers": 0},
		OwnerID:  owner,
	})
	assert.ErrorIs(t, err, guild.ErrInvalidValue)

	var count int64
	db.Model(&model.Guild{}).Count(&count)
	assert.Zero(t, count)
}

// ---- Update ----

func TestUpdate_MergesSettings(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, db, "owner")

	g, err := svc.Create(ctx, guild.CreateParams{
		Name:     "Merge Guild",
		Settings: map[string]interface{}{"visibility": "private", "requireApproval": true},
		OwnerID:  owner,
	})
	require.NoError(t, err)

	_, err = svc.Update(ctx, g.ID, guild.UpdateParams{
		Settings: map[string]interface{}{"discoverable": false},
	}, owner)
	require.NoError(t, err)

	detail, err := svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"visibility":"private","requireApproval":true,"discoverable":false,"maxMembers":null}`,
		string(detail.Guild.Settings))
}

func TestUpdate_NameAndDescription(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, db, "owner")

	g, err := svc.Create(ctx, guild.CreateParams{Name: "Old Name", OwnerID: owner})
	require.NoError(t, err)

	name := "New Name"
	desc := "Now with a description"
	_, err = svc.Update(ctx, g.ID, guild.UpdateParams{Name: &name, Description: &desc}, owner)
	require.NoError(t, err)

	detail, err := svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "New Name", detail.Guild.Name)
	assert.Equal(t, "Now with a description", detail.Guild.Description)
	// Slug is assigned at creation and does not follow renames.
	assert.Equal(t, "old-name", detail.Guild.Slug)
}

func TestUpdate_RequiresElevatedRole(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, db, "owner")
	member := createUser(t, db, "member")
	outsider := createUser(t, db, "outsider")

	g, err := svc.Create(ctx, guild.CreateParams{Name: "Locked Guild", OwnerID: owner})
	require.NoError(t, err)
	_, err = svc.Join(ctx, g.ID, member)
	require.NoError(t, err)

	name := "Hacked"
	_, err = svc.Update(ctx, g.ID, guild.UpdateParams{Name: &name}, member)
	assert.ErrorIs(t, err, guild.ErrForbidden)

	_, err = svc.Update(ctx, g.ID, guild.UpdateParams{Name: &name}, outsider)
	assert.ErrorIs(t, err, guild.ErrNotAMember)
}

func TestUpdate_AdminCanManage(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, db, "owner")
	admin := createUser(t, db, "admin")

	g, err := svc.Create(ctx, guild.CreateParams{Name: "Admin Guild", OwnerID: owner})
	require.NoError(t, err)
	_, err = svc.Join(ctx, g.ID, admin)
	require.NoError(t, err)
	_, err = svc.AssignRole(ctx, g.ID, admin, model.RoleAdmin, owner)
	require.NoError(t, err)

	name := "Renamed By Admin"
	_, err = svc.Update(ctx, g.ID, guild.UpdateParams{Name: &name}, admin)
	assert.NoError(t, err)
}

// ---- Delete ----

func TestDelete_OwnerOnly(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, db, "owner")
	admin := createUser(t, db, "admin")

	g, err := svc.Create(ctx, guild.CreateParams{Name: "Doomed Guild", OwnerID: owner})
	require.NoError(t, err)
	_, err = svc.Join(ctx, g.ID, admin)
	require.NoError(t, err)
	_, err = svc.AssignRole(ctx, g.ID, admin, model.RoleAdmin, owner)
	require.NoError(t, err)

	// Elevated role is not enough for delete.
	assert.ErrorIs(t, svc.Delete(ctx, g.ID, admin), guild.ErrForbidden)

	require.NoError(t, svc.Delete(ctx, g.ID, owner))

	_, err = svc.Get(ctx, g.ID)
	assert.ErrorIs(t, err, guild.ErrNotFound)

	var count int64
	db.Model(&model.GuildMembership{}).Where("guild_id = ?", g.ID).Count(&count)
	assert.Zero(t, count, "delete must cascade memberships")
}

func TestDelete_NotFound(t *testing.T) {
	svc, db := newTestService(t)
	owner := createUser(t, db, "owner")
	assert.ErrorIs(t, svc.Delete(context.Background(), 9999, owner), guild.ErrNotFound)
}

// ---- Get ----

func TestGetBySlug(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, db, "owner")

	g, err := svc.Create(ctx, guild.CreateParams{Name: "Sluggy Guild", OwnerID: owner})
	require.NoError(t, err)

	detail, err := svc.GetBySlug(ctx, "sluggy-guild")
	require.NoError(t, err)
	assert.Equal(t, g.ID, detail.Guild.ID)
	assert.Len(t, detail.Members, 1)

	_, err = svc.GetBySlug(ctx, "missing")
	assert.ErrorIs(t, err, guild.ErrNotFound)
}

// ---- Search ----

func TestSearch(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, db, "owner")

	for _, name := range []string{"Dragon Slayers", "Dungeon Crawlers", "Knitting Circle"} {
		_, err := svc.Create(ctx, guild.CreateParams{Name: name, OwnerID: owner})
		require.NoError(t, err)
	}

	res, err := svc.Search(ctx, "dRaGoN", 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Total)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Dragon Slayers", res.Items[0].Name)

	res, err = svc.Search(ctx, "", 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Total)
}

func TestSearch_MatchesDescription(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, db, "owner")

	_, err := svc.Create(ctx, guild.CreateParams{
		Name: "Plain Name", Description: "We hunt Dragons at night", OwnerID: owner,
	})
	require.NoError(t, err)

	res, err := svc.Search(ctx, "dragons", 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Total)
}

func TestSearch_Pagination(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, db, "owner")

	for i := 0; i < 5; i++ {
		_, err := svc.Create(ctx, guild.CreateParams{
			Name: "Paged Guild " + string(rune('A'+i)), OwnerID: owner,
		})
		require.NoError(t, err)
	}

	res, err := svc.Search(ctx, "paged", 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.Total)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 2, res.Size)
}

func TestSearch_LikeMetacharactersAreLiteral(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, db, "owner")

	for _, name := range []string{"100% Cotton", "Under_Score", "Plain Guild"} {
		_, err := svc.Create(ctx, guild.CreateParams{Name: name, OwnerID: owner})
		require.NoError(t, err)
	}

	res, err := svc.Search(ctx, "%", 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Total)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "100% Cotton", res.Items[0].Name)

	res, err = svc.Search(ctx, "r_s", 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Total)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Under_Score", res.Items[0].Name)
}

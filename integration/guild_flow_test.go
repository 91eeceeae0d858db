package integration

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuildLifecycle(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	// Owner creates a guild.
	tokenA, userA := ts.Login(t, UniqueID("owner"), "pass1234")
	guildName := UniqueID("Guild")
	guildID := ts.CreateGuild(t, tokenA, guildName)
	require.Greater(t, guildID, int64(0))

	// Detail shows the owner as sole member.
	resp := ts.Get(t, fmt.Sprintf("/api/guilds/%d", guildID), tokenA)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail map[string]interface{}
	ReadJSON(t, resp, &detail)
	g := detail["guild"].(map[string]interface{})
	assert.Equal(t, guildName, g["name"])
	assert.Equal(t, float64(1), g["member_count"])
	members := detail["members"].([]interface{})
	require.Len(t, members, 1)
	assert.Equal(t, float64(userA), members[0].(map[string]interface{})["user_id"])

	// A second user joins directly.
	tokenB, _ := ts.Login(t, UniqueID("member"), "pass1234")
	resp = ts.PostJSON(t, fmt.Sprintf("/api/guilds/%d/join", guildID), nil, tokenB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.Get(t, fmt.Sprintf("/api/guilds/%d", guildID), tokenA)
	ReadJSON(t, resp, &detail)
	g = detail["guild"].(map[string]interface{})
	assert.Equal(t, float64(2), g["member_count"])

	// Owner renames the guild; slug is unchanged.
	resp = ts.Put(t, fmt.Sprintf("/api/guilds/%d", guildID), map[string]interface{}{
		"name": guildName + " Renamed",
	}, tokenA)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated map[string]interface{}
	ReadJSON(t, resp, &updated)
	assert.Equal(t, guildName+" Renamed", updated["name"])
	assert.Equal(t, g["slug"], updated["slug"])

	// Member leaves; owner deletes.
	resp = ts.PostJSON(t, fmt.Sprintf("/api/guilds/%d/leave", guildID), nil, tokenB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.Delete(t, fmt.Sprintf("/api/guilds/%d", guildID), tokenA)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.Get(t, fmt.Sprintf("/api/guilds/%d", guildID), tokenA)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestInviteApproveFlow(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	tokenA, _ := ts.Login(t, UniqueID("inviter"), "pass1234")
	tokenB, userB := ts.Login(t, UniqueID("invitee"), "pass1234")
	guildID := ts.CreateGuild(t, tokenA, UniqueID("InviteGuild"))

	// Owner invites B as ADMIN.
	resp := ts.PostJSON(t, fmt.Sprintf("/api/guilds/%d/invites", guildID), map[string]interface{}{
		"user_id": userB,
		"role":    "ADMIN",
	}, tokenA)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var invResp map[string]interface{}
	ReadJSON(t, resp, &invResp)
	invToken := invResp["invitation_token"].(string)
	require.NotEmpty(t, invToken)

	// B approves with the token.
	resp = ts.PostJSON(t, fmt.Sprintf("/api/guilds/%d/approve", guildID), map[string]interface{}{
		"token": invToken,
	}, tokenB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m map[string]interface{}
	ReadJSON(t, resp, &m)
	assert.Equal(t, "APPROVED", m["status"])
	assert.Equal(t, "ADMIN", m["role"])

	// As ADMIN, B can now invite a third user.
	_, userC := ts.Login(t, UniqueID("third"), "pass1234")
	resp = ts.PostJSON(t, fmt.Sprintf("/api/guilds/%d/invites", guildID), map[string]interface{}{
		"user_id": userC,
	}, tokenB)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func TestGuildEventStream(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	tokenA, _ := ts.Login(t, UniqueID("streamer"), "pass1234")
	guildID := ts.CreateGuild(t, tokenA, UniqueID("StreamGuild"))

	// Open the SSE stream.
	req, err := http.NewRequest("GET",
		fmt.Sprintf("%s/api/guilds/%d/events?token=%s", ts.URL, guildID, tokenA), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				events <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	// First frame is the connected event.
	select {
	case data := <-events:
		assert.Contains(t, data, "guild_id")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connected event")
	}

	// A join publishes a member_joined event on the stream.
	tokenB, _ := ts.Login(t, UniqueID("streamjoiner"), "pass1234")
	r2 := ts.PostJSON(t, fmt.Sprintf("/api/guilds/%d/join", guildID), nil, tokenB)
	require.Equal(t, http.StatusOK, r2.StatusCode)
	r2.Body.Close()

	select {
	case data := <-events:
		assert.Contains(t, data, "member_joined")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for member_joined event")
	}
}

func TestAdminStatsAndAudit(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	tokenA, _ := ts.Login(t, UniqueID("adminowner"), "pass1234")
	guildID := ts.CreateGuild(t, tokenA, UniqueID("AuditGuild"))

	// Without the admin key the endpoint is forbidden.
	resp := ts.Get(t, "/api/admin/stats", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest("GET", ts.URL+"/api/admin/stats", nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Key", "integration-admin-key")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]interface{}
	ReadJSON(t, resp, &stats)
	assert.GreaterOrEqual(t, stats["guilds"].(float64), float64(1))

	// Audit entries land asynchronously; poll for the create action.
	var trail map[string]interface{}
	require.Eventually(t, func() bool {
		req, err := http.NewRequest("GET",
			fmt.Sprintf("%s/api/admin/audit?guild_id=%d", ts.URL, guildID), nil)
		if err != nil {
			return false
		}
		req.Header.Set("X-Admin-Key", "integration-admin-key")
		resp, err := http.DefaultClient.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		ReadJSON(t, resp, &trail)
		return trail["count"].(float64) >= 1
	}, 10*time.Second, 200*time.Millisecond)

	items := trail["items"].([]interface{})
	first := items[0].(map[string]interface{})
	assert.Equal(t, "guild_create", first["action"])
}

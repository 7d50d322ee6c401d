package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobDataValidate(t *testing.T) {
	valid := JobData{
		DomainID:     "domain-1",
		GameServerID: "gs-1",
		FunctionID:   "fn-1",
	}
	assert.NoError(t, valid.Validate())

	missingGS := valid
	missingGS.GameServerID = ""
	err := missingGS.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "gameServerId")

	missingDomain := valid
	missingDomain.DomainID = ""
	err = missingDomain.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "domainId")

	missingFn := valid
	missingFn.FunctionID = ""
	assert.Error(t, missingFn.Validate())
}

func TestCommandJobDataValidate(t *testing.T) {
	cmd := CommandJobData{
		JobData: JobData{
			DomainID:     "domain-1",
			GameServerID: "gs-1",
			FunctionID:   "fn-1",
		},
	}
	err := cmd.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "player")

	cmd.Player = &Player{GameID: "steam-123", Name: "alice"}
	assert.NoError(t, cmd.Validate())
}

func TestHookJobDataCarriesEventData(t *testing.T) {
	raw := json.RawMessage(`{"msg":"player joined"}`)
	hook := HookJobData{
		JobData: JobData{
			DomainID:     "domain-1",
			GameServerID: "gs-1",
			FunctionID:   "fn-1",
		},
		EventData: raw,
	}

	b, err := json.Marshal(hook)
	if err != nil {
		t.Fatalf("marshal hook payload: %v", err)
	}

	var decoded HookJobData
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal hook payload: %v", err)
	}
	assert.JSONEq(t, string(raw), string(decoded.EventData))
	assert.Equal(t, "gs-1", decoded.GameServerID)
}

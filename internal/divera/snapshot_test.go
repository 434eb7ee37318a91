package divera

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// samplePull mirrors a real pull/all document. Keys are deliberately out of
// numeric order so that order-preservation is observable.
const samplePull = `{
  "success": true,
  "data": {
    "user": {"firstname": "Max", "lastname": "Mustermann", "email": "max@example.org", "accesskey": "secret"},
    "status": {"status_id": 12, "status_set_date": 1700000000, "note": ""},
    "cluster": {
      "name": "FF Musterstadt",
      "version_id": 3,
      "status": {
        "12": {"id": 12, "name": "Available"},
        "7":  {"id": 7,  "name": "Not available"},
        "30": {"id": 30, "name": "On the way"}
      },
      "statussorting": [30, 12, 7],
      "group": {"5": {"id": 5, "name": "Zug 1"}, "6": {"id": 6, "name": "Atemschutz"}},
      "vehicle": {
        "91": {"id": 91, "name": "HLF 20", "shortname": "HLF", "fmsstatus_id": 2, "lat": 52.1, "lng": 13.2},
        "90": {"id": 90, "name": "DLK 23", "shortname": "DLK", "fmsstatus_id": 6, "lat": 52.0, "lng": 13.1}
      }
    },
    "alarm": {
      "sorting": [501, 500],
      "items": {
        "500": {"id": 500, "foreign_id": 4711, "title": "Old fire", "date": 1699990000, "group": [], "ucr_answered": []},
        "501": {
          "id": 501, "foreign_id": "E-2023-1", "title": "Brandmeldeanlage", "text": "BMA Schule",
          "date": 1700000500, "address": "Hauptstr. 1", "lat": 52.5, "lng": 13.4,
          "group": [5, 99], "priority": true, "closed": false, "new": true, "ucr_self_addressed": true,
          "ucr_answered": {"30": {"2001": {"ts": 1700000600, "note": ""}}, "7": {"2002": {"ts": 1700000700}}}
        }
      }
    },
    "ucr": {
      "2002": {"id": 2002, "name": "FF Nachbarort", "cluster_id": 11},
      "2001": {"id": 2001, "name": "FF Musterstadt", "cluster_id": 10}
    },
    "ucr_default": 2001,
    "ucr_active": 2001
  }
}`

func decodeSnapshot(t *testing.T, raw string) *Snapshot {
	t.Helper()
	var resp PullResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	return NewSnapshot(&resp, time.Unix(1700000800, 0))
}

func TestSnapshot_User(t *testing.T) {
	s := decodeSnapshot(t, samplePull)

	info, err := s.User()
	require.NoError(t, err)
	assert.Equal(t, "Max Mustermann", info.FullName)
	assert.Equal(t, "max@example.org", info.Email)

	name, err := s.FullName()
	require.NoError(t, err)
	assert.Equal(t, "Max Mustermann", name)

	key, err := s.AccessKey()
	require.NoError(t, err)
	assert.Equal(t, "secret", key)
}

func TestSnapshot_StatusRoundTrip(t *testing.T) {
	s := decodeSnapshot(t, samplePull)

	names, err := s.AllStateNames()
	require.NoError(t, err)

	for _, name := range names {
		id, err := s.StatusIDByName(name)
		require.NoError(t, err)
		back, err := s.StatusNameByID(id)
		require.NoError(t, err)
		assert.Equal(t, name, back)
	}

	_, err = s.StatusIDByName("Does not exist")
	assert.ErrorIs(t, err, ErrLookup)

	_, err = s.StatusNameByID(999)
	assert.ErrorIs(t, err, ErrLookup)
}

func TestSnapshot_AllStateNamesFollowsSorting(t *testing.T) {
	s := decodeSnapshot(t, samplePull)

	names, err := s.AllStateNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"On the way", "Available", "Not available"}, names)

	options, err := s.StatusOptions()
	require.NoError(t, err)
	require.Len(t, options, 3)
	assert.Equal(t, 30, options[0].ID)
}

func TestSnapshot_StatusIDByNameFirstMatchWins(t *testing.T) {
	raw := `{"success": true, "data": {"cluster": {
	  "status": {"1": {"id": 1, "name": "Duplicate"}, "2": {"id": 2, "name": "Duplicate"}},
	  "statussorting": [2, 1]}}}`
	s := decodeSnapshot(t, raw)

	id, err := s.StatusIDByName("Duplicate")
	require.NoError(t, err)
	assert.Equal(t, 2, id, "first entry in sort order should win")
}

func TestSnapshot_UserState(t *testing.T) {
	s := decodeSnapshot(t, samplePull)

	state, err := s.UserState()
	require.NoError(t, err)
	assert.Equal(t, "Available", state)

	attrs, err := s.UserStateAttributes()
	require.NoError(t, err)
	assert.Equal(t, 12, attrs.ID)
	assert.Equal(t, int64(1700000000), attrs.Timestamp.Unix())
}

func TestSnapshot_LastAlarm(t *testing.T) {
	t.Run("title of sorting[0]", func(t *testing.T) {
		s := decodeSnapshot(t, samplePull)
		title, err := s.LastAlarm()
		require.NoError(t, err)
		assert.Equal(t, "Brandmeldeanlage", title)
	})

	t.Run("unknown when sorting is empty", func(t *testing.T) {
		s := decodeSnapshot(t, `{"success": true, "data": {"alarm": {"sorting": [], "items": []}}}`)
		title, err := s.LastAlarm()
		require.NoError(t, err)
		assert.Equal(t, StateUnknown, title)

		info, err := s.LastAlarmInfo()
		require.NoError(t, err)
		assert.Nil(t, info)
	})

	t.Run("unknown when referenced item is missing", func(t *testing.T) {
		s := decodeSnapshot(t, `{"success": true, "data": {"alarm": {"sorting": [1], "items": {}}}}`)
		title, err := s.LastAlarm()
		require.NoError(t, err)
		assert.Equal(t, StateUnknown, title)
	})

	t.Run("missing alarm section is a lookup failure", func(t *testing.T) {
		s := decodeSnapshot(t, `{"success": true, "data": {}}`)
		_, err := s.LastAlarm()
		assert.ErrorIs(t, err, ErrLookup)
	})
}

func TestSnapshot_LastAlarmInfo(t *testing.T) {
	s := decodeSnapshot(t, samplePull)

	info, err := s.LastAlarmInfo()
	require.NoError(t, err)
	require.NotNil(t, info)

	assert.Equal(t, 501, info.ID)
	assert.Equal(t, "E-2023-1", info.ForeignID)
	assert.Equal(t, "Brandmeldeanlage", info.Title)
	assert.Equal(t, "Hauptstr. 1", info.Address)
	// group 99 is not in the cluster and is dropped
	assert.Equal(t, []string{"Zug 1"}, info.Groups)
	assert.True(t, info.Priority)
	assert.True(t, info.New)
	assert.True(t, info.SelfAddressed)
	assert.Equal(t, "On the way", info.Answered)
	assert.False(t, info.AnsweredAmbiguous)
}

func TestSnapshot_LastAlarmInfoUnknownAnswer(t *testing.T) {
	s := decodeSnapshot(t, `{"success": true, "data": {
	  "cluster": {"status": {"1": {"id": 1, "name": "Available"}}, "statussorting": [1]},
	  "alarm": {"sorting": [9], "items": {"9": {"id": 9, "title": "Brand", "date": 1700000000,
	    "ucr_answered": {"55": [2001]}}}},
	  "ucr_active": 2001}}`)

	title, err := s.LastAlarm()
	require.NoError(t, err)
	assert.Equal(t, "Brand", title)

	info, err := s.LastAlarmInfo()
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 9, info.ID)
	assert.Equal(t, "Brand", info.Title)
	assert.Equal(t, StateUnknown, info.Answered)
	assert.False(t, info.AnsweredAmbiguous)
}

func TestSnapshot_AnsweredState(t *testing.T) {
	s := decodeSnapshot(t, samplePull)

	alarm := func(answered string) *Alarm {
		var a Alarm
		require.NoError(t, json.Unmarshal([]byte(`{"id": 1, "ucr_answered": `+answered+`}`), &a))
		return &a
	}

	tests := []struct {
		name      string
		answered  string
		want      string
		ambiguous bool
	}{
		{"empty list encoding", `[]`, NotAnswered, false},
		{"absent from every bucket", `{"12": [2002], "7": {"2003": {}}}`, NotAnswered, false},
		{"list bucket", `{"12": [2001]}`, "Available", false},
		{"string ids in list", `{"7": ["2001"]}`, "Not available", false},
		{"object bucket", `{"30": {"2001": {"ts": 1}}}`, "On the way", false},
		{"first bucket wins", `{"7": [2001], "12": [2001]}`, "Not available", true},
		{"bucket not in catalog", `{"55": [2001]}`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.AnsweredState(alarm(tt.answered))
			if tt.want == "" {
				assert.ErrorIs(t, err, ErrLookup)
				return
			}
			if tt.ambiguous {
				assert.ErrorIs(t, err, ErrAmbiguousAnswer)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSnapshot_Memberships(t *testing.T) {
	s := decodeSnapshot(t, samplePull)

	ids, err := s.AllUCRs()
	require.NoError(t, err)
	assert.Equal(t, []int{2002, 2001}, ids, "server order must be kept")

	count, err := s.UCRCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	names, err := s.AllClusterNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"FF Nachbarort", "FF Musterstadt"}, names)

	def, err := s.DefaultUCR()
	require.NoError(t, err)
	assert.Equal(t, 2001, def)

	defName, err := s.DefaultClusterName()
	require.NoError(t, err)
	assert.Equal(t, "FF Musterstadt", defName)

	clusterID, err := s.ClusterIDFromUCR(2002)
	require.NoError(t, err)
	assert.Equal(t, 11, clusterID)

	matched, err := s.UCRIDs([]string{"FF Musterstadt", "Unknown"})
	require.NoError(t, err)
	assert.Equal(t, []int{2001}, matched)

	_, err = s.ClusterNameFromUCR(9999)
	assert.ErrorIs(t, err, ErrLookup)
}

func TestSnapshot_ClusterVersionAndVehicles(t *testing.T) {
	s := decodeSnapshot(t, samplePull)

	version, err := s.ClusterVersion()
	require.NoError(t, err)
	assert.Equal(t, VersionPro, version)

	vehicles, err := s.Vehicles()
	require.NoError(t, err)
	require.Len(t, vehicles, 2)
	assert.Equal(t, "HLF 20", vehicles[0].Name)
	assert.Equal(t, 6, vehicles[1].FMSStatusID)
}

func TestSnapshot_MalformedVehicleKeepsSnapshot(t *testing.T) {
	s := decodeSnapshot(t, `{"success": true, "data": {
	  "status": {"status_id": 1},
	  "cluster": {"status": {"1": {"id": 1, "name": "Available"}}, "statussorting": [1],
	    "vehicle": {
	      "7": {"id": 7, "name": "HLF 20", "fmsstatus_id": 2, "lat": "", "lng": ""},
	      "8": {"id": 8, "name": "MTW", "fmsstatus_id": 1, "lat": "52.25", "lng": null},
	      "9": {"id": "nine", "name": "Broken"}
	    }},
	  "alarm": {"sorting": [], "items": []}}}`)

	state, err := s.UserState()
	require.NoError(t, err)
	assert.Equal(t, "Available", state)

	vehicles, err := s.Vehicles()
	require.NoError(t, err)
	require.Len(t, vehicles, 2)
	assert.Equal(t, 7, vehicles[0].ID)
	assert.Equal(t, FlexFloat(0), vehicles[0].Lat)
	assert.Equal(t, FlexFloat(52.25), vehicles[1].Lat)
	assert.Equal(t, []string{"9"}, s.InvalidVehicles())
}

func TestFlexFloat(t *testing.T) {
	tests := []struct {
		raw     string
		want    FlexFloat
		wantErr bool
	}{
		{`52.5`, 52.5, false},
		{`"13.4"`, 13.4, false},
		{`""`, 0, false},
		{`null`, 0, false},
		{`"north"`, 0, true},
		{`true`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			var f FlexFloat
			err := json.Unmarshal([]byte(tt.raw), &f)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
		})
	}
}

func TestSnapshot_NoData(t *testing.T) {
	failed := NewSnapshot(nil, time.Now())
	assert.False(t, failed.Success)

	_, err := failed.UserState()
	assert.ErrorIs(t, err, ErrNoData)

	_, err = failed.LastAlarm()
	assert.ErrorIs(t, err, ErrNoData)

	var nilSnapshot *Snapshot
	_, err = nilSnapshot.AllUCRs()
	assert.ErrorIs(t, err, ErrNoData)
}

func TestOrderedMap_RejectsNonEmptyArray(t *testing.T) {
	var m OrderedMap[Group]
	err := json.Unmarshal([]byte(`[{"id": 1}]`), &m)
	assert.Error(t, err)
}

func TestFlexString(t *testing.T) {
	var v struct {
		A FlexString `json:"a"`
		B FlexString `json:"b"`
		C FlexString `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": "x", "b": 42, "c": null}`), &v))
	assert.Equal(t, FlexString("x"), v.A)
	assert.Equal(t, FlexString("42"), v.B)
	assert.Equal(t, FlexString(""), v.C)
}

package divera

import (
	"errors"
	"strconv"
	"time"
)

const (
	// StateUnknown is reported by LastAlarm when no alarm exists.
	StateUnknown = "unknown"

	// NotAnswered is reported by AnsweredState when the active membership
	// has not responded to an alarm.
	NotAnswered = "not answered"
)

// Version is the license tier of a cluster.
type Version string

// Cluster license tiers as reported by cluster.version_id.
const (
	VersionFree    Version = "free"
	VersionAlarm   Version = "alarm"
	VersionPro     Version = "pro"
	VersionUnknown Version = "unknown"
)

// Snapshot is the result of one pull. It is never modified after creation;
// the coordinator replaces it wholesale on every successful poll.
//
// Every accessor returns ErrNoData when the snapshot did not come from a
// successful pull, and an error wrapping ErrLookup when the payload lacks a
// key the query needs. Features that are merely absent (no alarm yet, no
// vehicles) yield neutral values instead of errors.
type Snapshot struct {
	// Success is true iff the pull returned HTTP 200 and valid JSON.
	Success bool

	// FetchedAt is when the pull was issued.
	FetchedAt time.Time

	data *Data
}

// NewSnapshot wraps a decoded pull response as a successful snapshot.
func NewSnapshot(resp *PullResponse, fetchedAt time.Time) *Snapshot {
	if resp == nil {
		return &Snapshot{FetchedAt: fetchedAt}
	}
	return &Snapshot{
		Success:   true,
		FetchedAt: fetchedAt,
		data:      &resp.Data,
	}
}

// UserInfo describes the account owner.
type UserInfo struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	FullName  string `json:"fullname"`
	Email     string `json:"email"`
}

// StatusAttributes describes when and to which id the user status was set.
type StatusAttributes struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// AlarmInfo is the flattened view of an alarm with group names resolved and
// the answered state of the active membership.
type AlarmInfo struct {
	ID            int       `json:"id"`
	ForeignID     string    `json:"foreign_id"`
	Title         string    `json:"title"`
	Text          string    `json:"text"`
	Date          time.Time `json:"date"`
	Address       string    `json:"address"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Groups        []string  `json:"groups"`
	Priority      bool      `json:"priority"`
	Closed        bool      `json:"closed"`
	New           bool      `json:"new"`
	SelfAddressed bool      `json:"self_addressed"`
	Answered      string    `json:"answered"`

	// AnsweredAmbiguous is set when the membership appears in more than one
	// answer bucket; Answered then holds the first match.
	AnsweredAmbiguous bool `json:"answered_ambiguous,omitempty"`
}

func (s *Snapshot) payload() (*Data, error) {
	if s == nil || !s.Success || s.data == nil {
		return nil, ErrNoData
	}
	return s.data, nil
}

func (s *Snapshot) user() (*User, error) {
	d, err := s.payload()
	if err != nil {
		return nil, err
	}
	if d.User == nil {
		return nil, lookupError("section", "user")
	}
	return d.User, nil
}

func (s *Snapshot) cluster() (*Cluster, error) {
	d, err := s.payload()
	if err != nil {
		return nil, err
	}
	if d.Cluster == nil {
		return nil, lookupError("section", "cluster")
	}
	return d.Cluster, nil
}

// User returns information about the account owner.
func (s *Snapshot) User() (UserInfo, error) {
	u, err := s.user()
	if err != nil {
		return UserInfo{}, err
	}
	return UserInfo{
		Firstname: u.Firstname,
		Lastname:  u.Lastname,
		FullName:  u.Firstname + " " + u.Lastname,
		Email:     u.Email,
	}, nil
}

// FullName returns "firstname lastname" of the account owner.
func (s *Snapshot) FullName() (string, error) {
	info, err := s.User()
	if err != nil {
		return "", err
	}
	return info.FullName, nil
}

// Email returns the account owner's email address.
func (s *Snapshot) Email() (string, error) {
	u, err := s.user()
	if err != nil {
		return "", err
	}
	return u.Email, nil
}

// AccessKey returns the access key echoed back by Divera.
func (s *Snapshot) AccessKey() (string, error) {
	u, err := s.user()
	if err != nil {
		return "", err
	}
	return u.AccessKey, nil
}

// StatusNameByID returns the catalog name of a status id.
func (s *Snapshot) StatusNameByID(id int) (string, error) {
	c, err := s.cluster()
	if err != nil {
		return "", err
	}
	opt, ok := c.Status.Get(strconv.Itoa(id))
	if !ok {
		return "", lookupError("status id", id)
	}
	return opt.Name, nil
}

// StatusIDByName returns the id of the first catalog entry, in sort order,
// whose name equals name.
func (s *Snapshot) StatusIDByName(name string) (int, error) {
	options, err := s.StatusOptions()
	if err != nil {
		return 0, err
	}
	for _, opt := range options {
		if opt.Name == name {
			return opt.ID, nil
		}
	}
	return 0, lookupError("status name", name)
}

// StatusOptions returns the status catalog in statussorting order.
func (s *Snapshot) StatusOptions() ([]StatusOption, error) {
	c, err := s.cluster()
	if err != nil {
		return nil, err
	}
	options := make([]StatusOption, 0, len(c.StatusSorting))
	for _, id := range c.StatusSorting {
		opt, ok := c.Status.Get(strconv.Itoa(id))
		if !ok {
			return nil, lookupError("status id", id)
		}
		// the catalog entry is keyed by id; trust the key over the body
		opt.ID = id
		options = append(options, opt)
	}
	return options, nil
}

// AllStateNames returns the status names in statussorting order.
func (s *Snapshot) AllStateNames() ([]string, error) {
	options, err := s.StatusOptions()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(options))
	for i, opt := range options {
		names[i] = opt.Name
	}
	return names, nil
}

// UserStatusID returns the id of the status the user currently reports.
func (s *Snapshot) UserStatusID() (int, error) {
	d, err := s.payload()
	if err != nil {
		return 0, err
	}
	if d.Status == nil || d.Status.StatusID == nil {
		return 0, lookupError("key", "status.status_id")
	}
	return *d.Status.StatusID, nil
}

// UserState returns the name of the status the user currently reports.
func (s *Snapshot) UserState() (string, error) {
	id, err := s.UserStatusID()
	if err != nil {
		return "", err
	}
	return s.StatusNameByID(id)
}

// UserStateAttributes returns the id and set date of the current status.
func (s *Snapshot) UserStateAttributes() (StatusAttributes, error) {
	id, err := s.UserStatusID()
	if err != nil {
		return StatusAttributes{}, err
	}
	d, _ := s.payload()
	return StatusAttributes{
		ID:        id,
		Timestamp: time.Unix(d.Status.StatusSetDate, 0),
	}, nil
}

// lastAlarm returns the alarm referenced by sorting[0]. ok is false when
// there is no alarm or the referenced item is missing.
func (s *Snapshot) lastAlarm() (alarm Alarm, ok bool, err error) {
	d, err := s.payload()
	if err != nil {
		return Alarm{}, false, err
	}
	if d.Alarm == nil {
		return Alarm{}, false, lookupError("section", "alarm")
	}
	if len(d.Alarm.Sorting) == 0 {
		return Alarm{}, false, nil
	}
	alarm, ok = d.Alarm.Items.Get(strconv.Itoa(d.Alarm.Sorting[0]))
	return alarm, ok, nil
}

// LastAlarm returns the title of the most recent alarm, or StateUnknown
// when there is none.
func (s *Snapshot) LastAlarm() (string, error) {
	alarm, ok, err := s.lastAlarm()
	if err != nil {
		return "", err
	}
	if !ok || alarm.Title == nil {
		return StateUnknown, nil
	}
	return *alarm.Title, nil
}

// LastAlarmInfo returns the most recent alarm, or nil when there is none.
// Answered is StateUnknown when the answer cannot be resolved.
func (s *Snapshot) LastAlarmInfo() (*AlarmInfo, error) {
	alarm, ok, err := s.lastAlarm()
	if err != nil || !ok {
		return nil, err
	}

	groups := make([]string, 0, len(alarm.Group))
	for _, id := range alarm.Group {
		if name, ok := s.GroupNameByID(id); ok {
			groups = append(groups, name)
		}
	}

	info := &AlarmInfo{
		ID:            alarm.ID,
		ForeignID:     string(alarm.ForeignID),
		Text:          alarm.Text,
		Date:          time.Unix(alarm.Date, 0),
		Address:       alarm.Address,
		Latitude:      float64(alarm.Lat),
		Longitude:     float64(alarm.Lng),
		Groups:        groups,
		Priority:      alarm.Priority,
		Closed:        alarm.Closed,
		New:           alarm.New,
		SelfAddressed: alarm.UCRSelfAddressed,
	}
	if alarm.Title != nil {
		info.Title = *alarm.Title
	}

	// an unresolvable answer only blanks that field
	answered, err := s.AnsweredState(&alarm)
	switch {
	case err == nil:
	case errors.Is(err, ErrAmbiguousAnswer):
		info.AnsweredAmbiguous = true
	default:
		answered = StateUnknown
	}
	info.Answered = answered
	return info, nil
}

// AnsweredState returns the name of the status the active membership
// answered the alarm with, or NotAnswered.
//
// Buckets are scanned in server order. Divera keeps one answer per member,
// so a membership found in several buckets is a data anomaly: the first
// match is returned together with ErrAmbiguousAnswer.
func (s *Snapshot) AnsweredState(alarm *Alarm) (string, error) {
	active, err := s.ActiveUCR()
	if err != nil {
		return "", err
	}
	if alarm == nil {
		return NotAnswered, nil
	}

	var (
		found   string
		matches int
	)
	for _, key := range alarm.UCRAnswered.Keys() {
		members, _ := alarm.UCRAnswered.Get(key)
		if !members.Contains(active) {
			continue
		}
		matches++
		if matches > 1 {
			continue
		}
		id, err := strconv.Atoi(key)
		if err != nil {
			return "", lookupError("answer state id", key)
		}
		name, err := s.StatusNameByID(id)
		if err != nil {
			return "", err
		}
		found = name
	}

	switch matches {
	case 0:
		return NotAnswered, nil
	case 1:
		return found, nil
	default:
		return found, ErrAmbiguousAnswer
	}
}

// GroupNameByID returns the name of an alarm group.
func (s *Snapshot) GroupNameByID(id int) (string, bool) {
	c, err := s.cluster()
	if err != nil {
		return "", false
	}
	g, ok := c.Group.Get(strconv.Itoa(id))
	if !ok {
		return "", false
	}
	return g.Name, true
}

// DefaultUCR returns the account's default membership id.
func (s *Snapshot) DefaultUCR() (int, error) {
	d, err := s.payload()
	if err != nil {
		return 0, err
	}
	if d.UCRDefault == nil {
		return 0, lookupError("key", "ucr_default")
	}
	return *d.UCRDefault, nil
}

// ActiveUCR returns the membership id the pull was made for.
func (s *Snapshot) ActiveUCR() (int, error) {
	d, err := s.payload()
	if err != nil {
		return 0, err
	}
	if d.UCRActive == nil {
		return 0, lookupError("key", "ucr_active")
	}
	return *d.UCRActive, nil
}

// DefaultClusterName returns the cluster name of the default membership.
func (s *Snapshot) DefaultClusterName() (string, error) {
	id, err := s.DefaultUCR()
	if err != nil {
		return "", err
	}
	return s.ClusterNameFromUCR(id)
}

// UCRCount returns the number of memberships of the account.
func (s *Snapshot) UCRCount() (int, error) {
	d, err := s.payload()
	if err != nil {
		return 0, err
	}
	return d.UCR.Len(), nil
}

// AllUCRs returns all membership ids in server order.
func (s *Snapshot) AllUCRs() ([]int, error) {
	d, err := s.payload()
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, d.UCR.Len())
	for _, key := range d.UCR.Keys() {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, lookupError("membership id", key)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// AllClusterNames returns the cluster name of every membership.
func (s *Snapshot) AllClusterNames() ([]string, error) {
	ids, err := s.AllUCRs()
	if err != nil {
		return nil, err
	}
	return s.ClusterNamesFromUCRs(ids)
}

// ClusterNamesFromUCRs maps membership ids to cluster names.
func (s *Snapshot) ClusterNamesFromUCRs(ids []int) ([]string, error) {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		name, err := s.ClusterNameFromUCR(id)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (s *Snapshot) membership(id int) (Membership, error) {
	d, err := s.payload()
	if err != nil {
		return Membership{}, err
	}
	m, ok := d.UCR.Get(strconv.Itoa(id))
	if !ok {
		return Membership{}, lookupError("membership", id)
	}
	return m, nil
}

// ClusterNameFromUCR returns the cluster name of a membership.
func (s *Snapshot) ClusterNameFromUCR(id int) (string, error) {
	m, err := s.membership(id)
	if err != nil {
		return "", err
	}
	return m.Name, nil
}

// ClusterIDFromUCR returns the cluster id of a membership.
func (s *Snapshot) ClusterIDFromUCR(id int) (int, error) {
	m, err := s.membership(id)
	if err != nil {
		return 0, err
	}
	return m.ClusterID, nil
}

// UCRIDs returns the ids of the memberships whose cluster name is in names,
// in server order.
func (s *Snapshot) UCRIDs(names []string) ([]int, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	ids, err := s.AllUCRs()
	if err != nil {
		return nil, err
	}

	var matched []int
	for _, id := range ids {
		name, err := s.ClusterNameFromUCR(id)
		if err != nil {
			return nil, err
		}
		if wanted[name] {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

// ClusterVersion returns the license tier of the active cluster.
func (s *Snapshot) ClusterVersion() (Version, error) {
	c, err := s.cluster()
	if err != nil {
		return "", err
	}
	switch c.VersionID {
	case 1:
		return VersionFree, nil
	case 2:
		return VersionAlarm, nil
	case 3:
		return VersionPro, nil
	default:
		return VersionUnknown, nil
	}
}

// Vehicles returns the cluster's vehicles in server order.
func (s *Snapshot) Vehicles() ([]Vehicle, error) {
	c, err := s.cluster()
	if err != nil {
		return nil, err
	}
	vehicles := make([]Vehicle, 0, c.Vehicle.Len())
	for _, key := range c.Vehicle.Keys() {
		v, _ := c.Vehicle.Get(key)
		vehicles = append(vehicles, v)
	}
	return vehicles, nil
}

// InvalidVehicles returns the keys of vehicle entries that were skipped
// because they could not be decoded.
func (s *Snapshot) InvalidVehicles() []string {
	c, err := s.cluster()
	if err != nil {
		return nil
	}
	return c.Vehicle.Invalid()
}

package protect

// FeatureFlags lists the camera capabilities we look at.
type FeatureFlags struct {
	HasSmartDetect bool `json:"hasSmartDetect"`
}

// Camera is a camera entry from the bootstrap document.
type Camera struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Mac          string       `json:"mac"`
	Type         string       `json:"type,omitempty"`
	State        string       `json:"state,omitempty"`
	FeatureFlags FeatureFlags `json:"featureFlags"`
}

// NVRInfo describes the console itself.
type NVRInfo struct {
	Mac             string `json:"mac"`
	Host            string `json:"host"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	FirmwareVersion string `json:"firmwareVersion"`
	Uptime          int64  `json:"uptime"`
	LastSeen        int64  `json:"lastSeen"`
	Type            string `json:"type"`
}

// Bootstrap is the console state snapshot returned by the bootstrap call.
// LastUpdateID is the cursor the update feed resumes from.
type Bootstrap struct {
	Cameras      []Camera `json:"cameras"`
	LastUpdateID string   `json:"lastUpdateId"`
	NVR          NVRInfo  `json:"nvr"`
}

// Camera looks a camera up by id.
func (b *Bootstrap) Camera(id string) (Camera, bool) {
	if b == nil {
		return Camera{}, false
	}
	for _, c := range b.Cameras {
		if c.ID == id {
			return c, true
		}
	}
	return Camera{}, false
}

// FilterCameras keeps the cameras whose names are listed. An empty list keeps
// all of them.
func FilterCameras(all []Camera, names []string) []Camera {
	if len(names) == 0 {
		return append([]Camera(nil), all...)
	}
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	var out []Camera
	for _, c := range all {
		if _, ok := wanted[c.Name]; ok {
			out = append(out, c)
		}
	}
	return out
}

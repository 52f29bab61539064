package mikrotik

import (
	"context"
	"fmt"
)

type SystemInfo struct {
	Identity  string
	Version   string
	BoardName string
	Uptime    string
}

// SystemInfo reads /system/identity and /system/resource in one session.
func (s *Service) SystemInfo(ctx context.Context) (SystemInfo, error) {
	var info SystemInfo
	err := s.client.Do(ctx, func(sess *Session) error {
		id, err := sess.Query(PathIdentity, nil)
		if err != nil {
			return err
		}
		if len(id) > 0 {
			info.Identity = id[0].String("name")
		}
		res, err := sess.Query(PathResource, nil)
		if err != nil {
			return err
		}
		if len(res) > 0 {
			info.Version = res[0].String("version")
			info.BoardName = res[0].String("board-name")
			info.Uptime = res[0].String("uptime")
		}
		return nil
	})
	return info, err
}

type TestResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Identity  string `json:"identity,omitempty"`
	Version   string `json:"firmware_version,omitempty"`
	BoardName string `json:"board_name,omitempty"`
}

// TestConnection logs in and reads system info. It never returns an error;
// the outcome is carried in the result.
func (s *Service) TestConnection(ctx context.Context) TestResult {
	info, err := s.SystemInfo(ctx)
	if err != nil {
		return TestResult{Message: err.Error()}
	}
	name := info.Identity
	if name == "" {
		name = s.client.Config().Address()
	}
	return TestResult{
		Success:   true,
		Message:   fmt.Sprintf("connected to %s", name),
		Identity:  info.Identity,
		Version:   info.Version,
		BoardName: info.BoardName,
	}
}

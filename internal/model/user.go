package model

import "time"

// Role はユーザーの種別を表す。
type Role string

const (
	// RoleAthlete は選手ユーザー。
	RoleAthlete Role = "athlete"
	// RoleCoach はコーチユーザー。
	RoleCoach Role = "coach"
)

// Valid はロールが既知の値かどうかを返す。
func (r Role) Valid() bool {
	return r == RoleAthlete || r == RoleCoach
}

// Counterpart は相手側として想定されるロールを返す。
// 相手のプロフィールが取得できなかった場合のプレースホルダーに使用する。
func (r Role) Counterpart() Role {
	if r == RoleCoach {
		return RoleAthlete
	}
	return RoleCoach
}

// User は外部の認証基盤が管理するユーザーを表す。
// このコアからは読み取り専用。
type User struct {
	ID   string
	Role Role
}

// Profile は会話一覧に表示する相手ユーザーの公開情報。
type Profile struct {
	ID              string
	FirstName       *string
	LastName        *string
	ProfilePhotoURL *string
	Role            Role
}

// DisplayName は表示名を返す。姓名がどちらも無い場合はロールに応じた既定名を返す。
func (p Profile) DisplayName() string {
	var name string
	if p.FirstName != nil {
		name = *p.FirstName
	}
	if p.LastName != nil && *p.LastName != "" {
		if name != "" {
			name += " "
		}
		name += *p.LastName
	}
	if name != "" {
		return name
	}
	if p.Role == RoleAthlete {
		return "Athlete"
	}
	return "Coach"
}

// Session は外部認証基盤が発行したログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

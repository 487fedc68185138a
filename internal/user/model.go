package user

import "github.com/rentdesk/messaging/internal/role"

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Password  string    `json:"-"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      role.Role `json:"role"`
	AvatarRef string    `json:"avatar_ref,omitempty"`
}

// DisplayName is the name shown to the other side of a conversation.
func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	}
	return u.Email
}

type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	FirstName string `json:"first_name" validate:"required,max=50"`
	LastName  string `json:"last_name" validate:"max=50"`
	Role      string `json:"role" validate:"required,oneof=agent landlord tenant"`
	AvatarRef string `json:"avatar_ref" validate:"omitempty,max=512"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	ID          string    `json:"id"`
	Role        role.Role `json:"role"`
}

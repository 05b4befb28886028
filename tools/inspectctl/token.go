package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/md-rashed-zaman/inspectbook/libs/auth"
	"github.com/md-rashed-zaman/inspectbook/libs/config"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, err := mintToken(config.FirstString("dev-secret", "JWT_SECRET", "JWT_SECRET_KEY"), sub, role, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "user id carried in user_id and sub")
	cmd.Flags().String("role", auth.RoleCustomer, "customer, technician, admin or service")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}

func mintToken(secret, sub, role string, ttl time.Duration, now time.Time) (string, error) {
	switch role {
	case auth.RoleCustomer, auth.RoleTechnician, auth.RoleAdmin:
		if sub == "" {
			return "", errors.New("--sub is required")
		}
	case auth.RoleService:
		if sub == "" {
			sub = "inspectctl"
		}
		return auth.MintServiceToken(secret, sub, ttl, now)
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		return "", errors.New("--ttl must be positive")
	}
	return auth.Sign(auth.Claims{
		UserID: sub,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}, secret)
}

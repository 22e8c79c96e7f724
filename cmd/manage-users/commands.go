package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/phrazzld/castqueue/internal/domain"
)

// userAdmin is the part of service.UserService the CLI drives.
type userAdmin interface {
	CreateAdmin(ctx context.Context, email, password string) (*domain.User, error)
	ResetPassword(ctx context.Context, email, password string) error
	ListUsers(ctx context.Context) ([]*domain.User, error)
	DeleteUser(ctx context.Context, email string) error
	DeleteAllUsers(ctx context.Context) (int, error)
}

type opener func(ctx context.Context) (userAdmin, func() error, error)

// session holds the service opened for the running command.
type session struct {
	open    opener
	users   userAdmin
	closeFn func() error
}

func newRootCmd(open opener) *cobra.Command {
	s := &session{open: open}

	root := &cobra.Command{
		Use:          "manage-users",
		Short:        "Administer castqueue user accounts",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			users, closeFn, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			s.users, s.closeFn = users, closeFn
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if s.closeFn == nil {
				return nil
			}
			return s.closeFn()
		},
	}

	root.AddCommand(
		createAdminCmd(s),
		resetPasswordCmd(s),
		listCmd(s),
		deleteCmd(s),
		deleteAllCmd(s),
	)
	return root
}

// readPassword returns the --password flag or, when it is empty, the first
// line of the command's input.
func readPassword(cmd *cobra.Command) (string, error) {
	password, _ := cmd.Flags().GetString("password")
	if password != "" {
		return password, nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password = strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("a password is required")
	}
	return password, nil
}

func createAdminCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-admin <email>",
		Short: "Create an active admin account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}

			user, err := s.users.CreateAdmin(cmd.Context(), args[0], password)
			if err != nil {
				return fmt.Errorf("failed to create admin: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created admin %s\n", user.Email)
			return nil
		},
	}
	cmd.Flags().String("password", "", "Password for the new account (read from stdin when omitted)")
	return cmd
}

func resetPasswordCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-password <email>",
		Short: "Replace a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}

			if err := s.users.ResetPassword(cmd.Context(), args[0], password); err != nil {
				return fmt.Errorf("failed to reset password: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Password reset for %s\n", domain.NormalizeEmail(args[0]))
			return nil
		},
	}
	cmd.Flags().String("password", "", "New password (read from stdin when omitted)")
	return cmd
}

func listCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := s.users.ListUsers(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list users: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(users) == 0 {
				fmt.Fprintln(out, "No users found.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EMAIL\tACTIVE\tADMIN\tCREATED")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%t\t%t\t%s\n", u.Email, u.IsActive, u.IsAdmin, u.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}

func deleteCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <email>",
		Short: "Delete one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.users.DeleteUser(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", domain.NormalizeEmail(args[0]))
			return nil
		},
	}
}

func deleteAllCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			confirmed, _ := cmd.Flags().GetBool("confirm")
			if !confirmed {
				return errors.New("refusing to delete all users without --confirm")
			}

			n, err := s.users.DeleteAllUsers(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to delete users: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d users\n", n)
			return nil
		},
	}
	cmd.Flags().Bool("confirm", false, "Confirm deletion of every account")
	return cmd
}

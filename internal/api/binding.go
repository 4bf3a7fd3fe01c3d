package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/ppiankov/patchgate/internal/validate"
)

var registerOnce sync.Once

// registerValidators adds the version, component and backup tags to gin's
// validator and reports fields by their JSON names.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("version", func(fl validator.FieldLevel) bool {
			return validate.Version(fl.Field().String())
		})
		_ = v.RegisterValidation("component", func(fl validator.FieldLevel) bool {
			return validate.Component(fl.Field().String())
		})
		_ = v.RegisterValidation("backup", func(fl validator.FieldLevel) bool {
			return validate.BackupFilename(fl.Field().String())
		})
	})
}

type applyUpdateBody struct {
	Component string `json:"component" binding:"required,component"`
	Version   string `json:"version" binding:"required,version"`
	Reason    string `json:"reason" binding:"max=500"`
	Actor     string `json:"actor" binding:"max=100"`
}

type rollbackBody struct {
	Component       string `json:"component" binding:"required,component"`
	Version         string `json:"version" binding:"required,version"`
	Reason          string `json:"reason" binding:"max=500"`
	BackupFilename  string `json:"backupFilename" binding:"omitempty,backup"`
	RestoreDatabase bool   `json:"restoreDatabase"`
	Actor           string `json:"actor" binding:"max=100"`
}

type plannedUpdateBody struct {
	Component string `json:"component" binding:"required,component"`
	Version   string `json:"version" binding:"required,version"`
}

type maintenanceBody struct {
	StartTime       string              `json:"startTime" binding:"required"`
	DurationMinutes int                 `json:"durationMinutes" binding:"required,min=1,max=480"`
	Updates         []plannedUpdateBody `json:"updates" binding:"required,min=1,max=20,dive"`
	NotifyUsers     bool                `json:"notifyUsers"`
	Reason          string              `json:"reason" binding:"max=500"`
	Actor           string              `json:"actor" binding:"max=100"`
}

type approvalIDBody struct {
	ApprovalID string `json:"approvalId" binding:"required,uuid"`
}

type restartBody struct {
	Services []string `json:"services" binding:"required,min=1,max=20,dive,required"`
	Actor    string   `json:"actor" binding:"max=100"`
}

type decisionBody struct {
	ApprovedBy string `json:"approvedBy" binding:"required,max=100"`
}

// bind decodes the JSON body into dst and answers 400 on failure.
func bind(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		fe := fields[0]
		ve := &validate.ValidationError{
			Field:  fe.Field(),
			Value:  fmt.Sprint(fe.Value()),
			Reason: "failed " + fe.Tag() + " check",
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "validation_error": ve})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body: " + err.Error()})
	return false
}

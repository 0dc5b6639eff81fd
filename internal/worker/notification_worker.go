package worker

import (
	"github.com/spec-kit/account-service/internal/service"
)

// StartNotificationWorker subscribes the notification service to account
// events. Delivery happens on the MailQueue goroutines.
func StartNotificationWorker(notificationService *service.NotificationService) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
}
